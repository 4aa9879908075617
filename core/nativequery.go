// Package core provides the reactive persistence engine of nereid.
// This file defines the native query API: handwritten SQL executed through a
// session, with entity results surfaced through the same assembly pipeline
// and persistence context as the fluent builder.
package core

import (
	"context"

	"github.com/leandroluk/nereid/stage"
)

// NativeQuery executes a handwritten SQL statement for an entity of type T.
//
// Select results flow through result assembly, so rows become managed
// instances exactly as they would from the fluent builder; the statement's
// column names must therefore match the schema's mapped columns.
//
// Example:
//
//	recentList, err := userModel.
//		Native(`SELECT * FROM users WHERE created_at > ? ORDER BY created_at DESC`, cutoff).
//		Select(ctx, session).
//		Await(ctx)
type NativeQuery[T any] struct {
	schema    *SchemaMeta[T]
	sql       string
	argList   []any
	cacheable bool
}

// NewNativeQuery builds a native query over the given schema.
func NewNativeQuery[T any](schema *SchemaMeta[T], sql string, args ...any) *NativeQuery[T] {
	return &NativeQuery[T]{schema: schema, sql: sql, argList: args}
}

// Native builds a native query bound to the model's schema.
func (m *Model[T]) Native(sql string, args ...any) *NativeQuery[T] {
	return NewNativeQuery(m.schema, sql, args...)
}

// Cacheable routes the query through the factory's read-through query cache,
// keyed by the statement text and arguments.
func (q *NativeQuery[T]) Cacheable() *NativeQuery[T] {
	q.cacheable = true
	return q
}

// Select executes the statement and materializes its result rows as managed
// entities. The execution takes one slot on the session's serial executor.
func (q *NativeQuery[T]) Select(ctx context.Context, session *Session) *stage.Stage[[]*T] {
	meta := &q.schema.Meta
	selected := runSerial(session, func() *stage.Stage[[]any] {
		loader, err := session.factory.loaderOf(meta.EntityName)
		if err != nil {
			return stage.Failed[[]any](err)
		}
		return loader.LoadNative(ctx, session, Statement{SQL: q.sql, Args: q.argList}, q.cacheable)
	})
	return stage.Then(selected, narrowList[T])
}

// SelectOne executes the statement and returns the first result row, or nil
// when the statement matched nothing.
func (q *NativeQuery[T]) SelectOne(ctx context.Context, session *Session) *stage.Stage[*T] {
	return stage.Then(q.Select(ctx, session), func(resultList []*T) (*T, error) {
		if len(resultList) == 0 {
			return nil, nil
		}
		return resultList[0], nil
	})
}

// Update executes the statement as a mutation and resolves with the affected
// row count. The write bypasses the flush machinery, so the entity's cached
// query regions are invalidated wholesale.
func (q *NativeQuery[T]) Update(ctx context.Context, session *Session) *stage.Stage[int64] {
	meta := &q.schema.Meta
	return runSerial(session, func() *stage.Stage[int64] {
		return stage.Then(session.execUpdate(ctx, Statement{SQL: q.sql, Args: q.argList}), func(affected int64) (int64, error) {
			if session.factory.queryCache != nil {
				session.factory.queryCache.InvalidateTables(meta.Table)
			}
			return affected, nil
		})
	})
}
