// Package core provides the reactive persistence engine of nereid.
// This file defines the Model[T], the typed entry point for working with a
// specific schema (entity). A Model pairs a SchemaMeta[T] with a factory
// and exposes the session operations with their type-erased any values
// narrowed back to *T.
package core

import (
	"context"
	"time"

	"github.com/leandroluk/nereid/stage"
)

// Model represents a repository-like abstraction for a schema T.
//
// It wraps a SchemaMeta[T] and a Factory, exposing high-level operations
// such as Find, Select, Persist, Remove, Merge, and Count against a
// session. Models are generic and type-safe, ensuring that all operations
// are tied to a specific entity type.
type Model[T any] struct {
	schema  *SchemaMeta[T]
	factory *Factory
}

// NewModel creates a new Model instance bound to a schema and factory.
//
// Example:
//
//	userModel := core.NewModel(userSchema, factory)
func NewModel[T any](schema *SchemaMeta[T], factory *Factory) *Model[T] {
	return &Model[T]{schema: schema, factory: factory}
}

// Schema returns the model's schema.
func (m *Model[T]) Schema() *SchemaMeta[T] { return m.schema }

// Query starts a fluent query over the model's entity.
func (m *Model[T]) Query() *Query[T] { return NewQuery(m.schema) }

// Find loads the entity with the given identifier, or nil when no row
// exists.
func (m *Model[T]) Find(ctx context.Context, session *Session, id any) *stage.Stage[*T] {
	return stage.Then(session.Find(ctx, m.schema.EntityName, id), narrow[T])
}

// FindMany loads multiple identifiers in identifier-list order, with nil
// at the position of each missing row.
func (m *Model[T]) FindMany(ctx context.Context, session *Session, idList []any) *stage.Stage[[]*T] {
	return stage.Then(session.FindMany(ctx, m.schema.EntityName, idList), narrowList[T])
}

// Select runs a query and returns its matching entities as managed
// instances. Soft-deleted rows are excluded unless the query says
// otherwise.
func (m *Model[T]) Select(ctx context.Context, session *Session, query *Query[T]) *stage.Stage[[]*T] {
	if query == nil {
		query = m.Query()
	}
	selected := session.Select(ctx, m.schema.EntityName, query.effectiveWhere(), query.cacheable)
	return stage.Then(selected, narrowList[T])
}

// SelectOne runs a query limited to one row, returning the match or nil.
func (m *Model[T]) SelectOne(ctx context.Context, session *Session, query *Query[T]) *stage.Stage[*T] {
	if query == nil {
		query = m.Query()
	}
	query.Limit(1)
	return stage.Then(m.Select(ctx, session, query), func(resultList []*T) (*T, error) {
		if len(resultList) == 0 {
			return nil, nil
		}
		return resultList[0], nil
	})
}

// Count returns the number of rows matching the query, honoring
// soft-delete filtering.
func (m *Model[T]) Count(ctx context.Context, session *Session, query *Query[T]) *stage.Stage[int64] {
	if query == nil {
		query = m.Query()
	}
	return session.Count(ctx, m.schema.EntityName, query.effectiveWhere().Condition)
}

// Persist schedules the instance for insertion at the next flush,
// cascading to associations mapped with cascade persist.
func (m *Model[T]) Persist(ctx context.Context, session *Session, doc *T) *stage.Stage[stage.Unit] {
	return session.Persist(ctx, m.schema.EntityName, doc)
}

// Remove schedules the managed instance for deletion. When the schema maps
// a deleted-at field the row is soft-deleted instead: the timestamp is set
// and flushed as a regular update.
func (m *Model[T]) Remove(ctx context.Context, session *Session, doc *T) *stage.Stage[stage.Unit] {
	if m.schema.deletedAtField != nil {
		entry := session.pctx.entryOf(doc)
		if entry == nil {
			return stage.Failed[stage.Unit](&SessionError{Reason: "removing a detached instance of " + m.schema.EntityName})
		}
		if err := setFieldValue(doc, m.schema.deletedAtField, time.Now()); err != nil {
			return stage.Failed[stage.Unit](err)
		}
		return stage.Of(stage.Unit{})
	}
	return session.Remove(ctx, m.schema.EntityName, doc)
}

// Merge copies the state of a detached instance onto the managed instance
// with the same identifier and returns the managed instance.
func (m *Model[T]) Merge(ctx context.Context, session *Session, doc *T) *stage.Stage[*T] {
	return stage.Then(session.Merge(ctx, m.schema.EntityName, doc), narrow[T])
}

// Refresh reloads the managed instance's state from the database,
// discarding unflushed in-memory changes.
func (m *Model[T]) Refresh(ctx context.Context, session *Session, doc *T) *stage.Stage[stage.Unit] {
	return session.Refresh(ctx, m.schema.EntityName, doc)
}

// Lock acquires a database-level lock on the managed instance's row.
func (m *Model[T]) Lock(ctx context.Context, session *Session, doc *T, mode LockMode) *stage.Stage[stage.Unit] {
	return session.Lock(ctx, m.schema.EntityName, doc, mode)
}

// Fetch forces a lazy to-one reference and returns its target, or nil for
// an empty association.
//
// Example:
//
//	order := core.Fetch(ctx, session, &invoice.Order)
func Fetch[T any](ctx context.Context, session *Session, ref *Ref[T]) *stage.Stage[*T] {
	return stage.Then(session.Fetch(ctx, ref), func(value any) (*T, error) {
		if value == nil {
			return nil, nil
		}
		return value.(*T), nil
	})
}

// FetchList forces a lazy collection and returns its elements as managed
// instances.
func FetchList[T any](ctx context.Context, session *Session, list *List[T]) *stage.Stage[[]*T] {
	return stage.Then(session.FetchList(ctx, list), narrowList[T])
}

func narrow[T any](value any) (*T, error) {
	if value == nil {
		return nil, nil
	}
	return value.(*T), nil
}

func narrowList[T any](valueList []any) ([]*T, error) {
	resultList := make([]*T, 0, len(valueList))
	for _, value := range valueList {
		if value == nil {
			resultList = append(resultList, nil)
			continue
		}
		resultList = append(resultList, value.(*T))
	}
	return resultList, nil
}
