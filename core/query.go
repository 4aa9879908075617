// Package core implements the reactive persistence engine of nereid.
// This file defines the fluent query builder, which allows type-safe and
// expressive construction of entity queries executed by the loader layer.
package core

import (
	"reflect"
	"unsafe"
)

// Sort represents an ordering rule used in queries.
//
// FieldName specifies which column to sort by.
// Order determines the direction: 1 for ascending (ASC), -1 for descending (DESC).
type Sort struct {
	FieldName string
	Order     int // 1 = ASC, -1 = DESC
}

// Where encapsulates filtering and pagination options for queries.
//
// It contains:
//   - Condition: the root filter condition (composed of one or more *Condition).
//   - Limit: maximum number of results to return.
//   - Offset: number of rows to skip.
//   - Sort: list of Sort rules to apply.
//   - WithDeleted: whether to include soft-deleted rows.
//   - OnlyDeleted: whether to return only soft-deleted rows.
type Where struct {
	Condition   *Condition
	Limit       int
	Offset      int
	Sort        []Sort
	WithDeleted bool
	OnlyDeleted bool
}

// Changes represents a set of column updates, mapping column names to new
// values. It is produced by dirty checking and consumed by the persister.
type Changes map[string]any

// Query represents a fluent query builder for an entity of type T.
//
// It allows chaining of filtering, ordering, pagination, caching, and
// soft-delete options in a type-safe manner. The built query is executed
// through a session, which routes it over the loader layer and the
// persistence context.
//
// Example:
//
//	userList, err := userModel.Select(ctx, session,
//		userModel.Query().
//			Filter(func(q core.Filter[User]) []*core.Condition {
//				return []*core.Condition{
//					q.Where(func(u *User) any { return &u.Email }).Like("%gmail.com"),
//				}
//			}).
//			OrderBy("created_at", -1).
//			Limit(10)).
//		Await(ctx)
type Query[T any] struct {
	schema    *SchemaMeta[T]
	where     *Where
	cacheable bool
}

// NewQuery creates a new Query instance for the given schema.
func NewQuery[T any](schema *SchemaMeta[T]) *Query[T] {
	return &Query[T]{
		schema: schema,
		where:  &Where{},
	}
}

// WithDeleted includes soft-deleted rows in the query results.
func (q *Query[T]) WithDeleted() *Query[T] {
	q.where.WithDeleted = true
	return q
}

// OnlyDeleted restricts the query results to soft-deleted rows only.
func (q *Query[T]) OnlyDeleted() *Query[T] {
	q.where.OnlyDeleted = true
	return q
}

// Cacheable routes the query through the factory's read-through query
// cache: a hit skips execution entirely, a miss executes and populates the
// cache. Only meaningful when the factory was built with a query cache.
func (q *Query[T]) Cacheable() *Query[T] {
	q.cacheable = true
	return q
}

// Where adds a new condition to the query in a type-safe manner.
//
// It supports both:
//   - Direct pointers to fields of a zero value
//   - Selector functions (e.g., func(u *User) any { return &u.Name })
//
// The condition is returned so that an operator can be applied immediately.
//
// Example:
//
//	q.Where(func(u *User) any { return &u.Age }).Gt(18)
func (q *Query[T]) Where(fieldPtr any) *Condition {
	var goFieldName string

	switch f := fieldPtr.(type) {
	case func(*T) any:
		goFieldName = fieldNameFromSelectorFor[T](f)
	default:
		// detect direct pointer to field
		rt := reflect.TypeOf((*T)(nil)).Elem()
		rv := reflect.ValueOf(fieldPtr)
		if rv.Kind() != reflect.Ptr {
			panic("Where: argument must be a pointer to field or selector func(*T) any")
		}
		// traverse struct fields to find offset
		ptr := rv.Pointer()
		var zero T
		base := uintptr(unsafe.Pointer(&zero))
		offset := uintptr(ptr) - base
		for _, sf := range reflect.VisibleFields(rt) {
			if sf.Offset == offset {
				goFieldName = sf.Name
				break
			}
		}
	}

	// map to database column name if defined
	dbCol := goFieldName
	for _, f := range q.schema.Fields {
		if f.StructFieldName == goFieldName {
			dbCol = f.DatabaseColumnName
			break
		}
	}

	return &Condition{FieldName: dbCol}
}

// Filter builds a set of conditions using a functional style.
//
// The provided function receives a Filter[T] scope that exposes a type-safe
// Where method. The returned conditions are combined with AND by default.
//
// Example:
//
//	q.Filter(func(f core.Filter[User]) []*core.Condition {
//		return []*core.Condition{
//			f.Where(func(u *User) any { return &u.Age }).Gt(18),
//			f.Where(func(u *User) any { return &u.Active }).Eq(true),
//		}
//	})
func (q *Query[T]) Filter(build func(Filter[T]) []*Condition) *Query[T] {
	if build == nil {
		q.where.Condition = nil
		return q
	}
	scope := Filter[T]{queryBuilder: q}
	conds := build(scope)
	q.where.Condition = foldConditionsAnd(conds...)
	return q
}

// Filter provides the scope passed to the Filter function.
// It exposes a type-safe Where method bound to the parent query.
type Filter[T any] struct{ queryBuilder *Query[T] }

// Where delegates to the parent query's Where method.
// This is used inside functional filters for cleaner syntax.
func (f Filter[T]) Where(fieldPtr any) *Condition {
	return f.queryBuilder.Where(fieldPtr)
}

// OrderBy adds an ordering rule to the query.
//
// Field is the column name, and order is 1 (ASC) or -1 (DESC).
func (q *Query[T]) OrderBy(field string, order int) *Query[T] {
	q.where.Sort = append(q.where.Sort, Sort{FieldName: field, Order: order})
	return q
}

// Limit sets the maximum number of results to return.
func (q *Query[T]) Limit(limit int) *Query[T] {
	q.where.Limit = limit
	return q
}

// Offset sets the number of rows to skip before starting to return results.
func (q *Query[T]) Offset(offset int) *Query[T] {
	q.where.Offset = offset
	return q
}

// effectiveWhere returns the query options with the soft-delete filter
// applied for schemas that declare a deletedAt field.
func (q *Query[T]) effectiveWhere() *Where {
	meta := &q.schema.Meta
	if meta.deletedAtField == nil {
		return q.where
	}
	eff := *q.where // shallow copy
	col := meta.deletedAtField.DatabaseColumnName

	if q.where.OnlyDeleted {
		eff.Condition = foldConditionsAnd(
			q.where.Condition,
			(&Condition{FieldName: col}).Nil().Not(),
		)
		return &eff
	}
	if !q.where.WithDeleted {
		eff.Condition = foldConditionsAnd(
			q.where.Condition,
			(&Condition{FieldName: col}).Nil(),
		)
	}
	return &eff
}
