// Package core implements the reactive persistence engine of nereid.
// This file defines the loader layer: building and executing SELECT
// statements (single-entity, batched multi-id, collection, and
// condition-based queries) and handing the materialized rows to result
// assembly. Statement building is pure; execution composes stages on the
// session's connection.
package core

import (
	"context"

	"github.com/leandroluk/nereid/stage"
)

// Loader builds and executes SELECTs for one entity type. Immutable after
// factory boot; shared read-only across all sessions.
type Loader struct {
	meta    *Meta
	dialect Dialect
	factory *Factory
}

func newLoader(meta *Meta, dialect Dialect, factory *Factory) *Loader {
	return &Loader{meta: meta, dialect: dialect, factory: factory}
}

// LoadByID resolves one entity by identifier: a persistence-context hit
// short-circuits the round trip, otherwise a SELECT is issued and the row
// assembled into a managed instance. Resolves with nil when no row exists.
func (l *Loader) LoadByID(ctx context.Context, session *Session, id any) *stage.Stage[any] {
	key := EntityKey{EntityName: l.meta.EntityName, ID: normalizeKey(id)}
	if entry := session.pctx.get(key); entry != nil && entry.status != StatusDeleted {
		return stage.Of(entry.entity)
	}

	if err := l.meta.runPreHook(PreFind, l.meta.NewInstance()); err != nil {
		return stage.Failed[any](err)
	}
	statement := buildSelectByColumn(l.dialect, l.meta, l.meta.ID().DatabaseColumnName, []any{id}, "")
	return stage.Compose(session.execSelect(ctx, statement), func(rows Rows) *stage.Stage[any] {
		if rows.Len() == 0 {
			return stage.Of[any](nil)
		}
		return assembleRow(ctx, session, l.meta, rows, 0)
	})
}

// LoadMany resolves several entities by identifier in one logical load.
// Identifiers already managed by the session are short-circuited; the rest
// are grouped into batches of the persister's configured batch size (the
// final batch padded to full size when padding is enabled, so one prepared
// statement shape serves every batch). The result preserves the requested
// identifier order, with nil for identifiers that matched no row.
func (l *Loader) LoadMany(ctx context.Context, session *Session, idList []any) *stage.Stage[[]any] {
	resultByKey := make(map[any]any, len(idList))
	missingList := make([]any, 0, len(idList))
	for _, id := range idList {
		key := EntityKey{EntityName: l.meta.EntityName, ID: normalizeKey(id)}
		if entry := session.pctx.get(key); entry != nil && entry.status != StatusDeleted {
			resultByKey[key.ID] = entry.entity
		} else {
			missingList = append(missingList, id)
		}
	}

	order := func() []any {
		orderedList := make([]any, 0, len(idList))
		for _, id := range idList {
			orderedList = append(orderedList, resultByKey[normalizeKey(id)])
		}
		return orderedList
	}
	if len(missingList) == 0 {
		return stage.Of(order())
	}
	if err := l.meta.runPreHook(PreFind, l.meta.NewInstance()); err != nil {
		return stage.Failed[[]any](err)
	}

	batchList := l.batches(missingList)
	producerList := make([]func() *stage.Stage[stage.Unit], 0, len(batchList))
	for _, batch := range batchList {
		batch := batch
		producerList = append(producerList, func() *stage.Stage[stage.Unit] {
			statement := buildSelectByColumn(l.dialect, l.meta, l.meta.ID().DatabaseColumnName, batch, "")
			loaded := stage.Compose(session.execSelect(ctx, statement), func(rows Rows) *stage.Stage[[]any] {
				return assembleRows(ctx, session, l.meta, rows)
			})
			return stage.Then(loaded, func(entityList []any) (stage.Unit, error) {
				persister, err := l.factory.persisterOf(l.meta.EntityName)
				if err != nil {
					return stage.Unit{}, err
				}
				for _, entity := range entityList {
					resultByKey[persister.IdentifierOf(entity)] = entity
				}
				return stage.Unit{}, nil
			})
		})
	}
	return stage.Then(stage.Sequence(producerList), func(stage.Unit) ([]any, error) {
		return order(), nil
	})
}

// batches groups identifiers into persister-sized batches, padding the
// final batch by repeating its last identifier when padding is enabled.
func (l *Loader) batches(idList []any) [][]any {
	size := l.meta.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	batchList := [][]any{}
	for start := 0; start < len(idList); start += size {
		end := start + size
		if end > len(idList) {
			end = len(idList)
		}
		batch := append([]any{}, idList[start:end]...)
		if l.meta.PadBatch {
			for len(batch) < size {
				batch = append(batch, batch[len(batch)-1])
			}
		}
		batchList = append(batchList, batch)
	}
	return batchList
}

// LoadCollection resolves the children of a to-many association: child rows
// matching the owner's identifier on the association's foreign-key column,
// honoring the declared order column.
func (l *Loader) LoadCollection(ctx context.Context, session *Session, assoc *ToMany, ownerID any) *stage.Stage[[]any] {
	statement := buildSelectByColumn(l.dialect, l.meta, assoc.ForeignKeyColumn, []any{ownerID}, assoc.OrderColumn)
	return stage.Compose(session.execSelect(ctx, statement), func(rows Rows) *stage.Stage[[]any] {
		return assembleRows(ctx, session, l.meta, rows)
	})
}

// LoadWhere executes a condition-based query over the entity, optionally
// through the factory's read-through query cache.
func (l *Loader) LoadWhere(ctx context.Context, session *Session, where *Where, cacheable bool) *stage.Stage[[]any] {
	return l.LoadNative(ctx, session, buildSelect(l.dialect, l.meta, where), cacheable)
}

// LoadNative executes an already-rendered SELECT over the entity's assembly
// pipeline, optionally through the factory's read-through query cache. The
// cache stores the materialized row set keyed by SQL and parameters; on a
// hit no SQL is issued and the cached rows are re-assembled in the current
// session, so both paths surface results through the same transformation.
func (l *Loader) LoadNative(ctx context.Context, session *Session, statement Statement, cacheable bool) *stage.Stage[[]any] {
	if err := l.meta.runPreHook(PreFind, l.meta.NewInstance()); err != nil {
		return stage.Failed[[]any](err)
	}

	cache := l.factory.queryCache
	useCache := cacheable && cache != nil && l.meta.Cacheable
	if useCache {
		if rows, ok := cache.Get(statement); ok {
			session.factory.metrics.queryCacheHit()
			return assembleRows(ctx, session, l.meta, rows)
		}
		session.factory.metrics.queryCacheMiss()
	}

	return stage.Compose(session.execSelect(ctx, statement), func(rows Rows) *stage.Stage[[]any] {
		if useCache {
			cache.Put(statement, rows, []string{l.meta.Table})
		}
		return assembleRows(ctx, session, l.meta, rows)
	})
}

// Count executes a COUNT over the entity with the given condition.
func (l *Loader) Count(ctx context.Context, session *Session, condition *Condition) *stage.Stage[int64] {
	argList := []any{}
	whereClause := renderCondition(l.dialect, condition, &argList)
	sql := "SELECT COUNT(*) FROM " + QualifyTable(l.dialect, l.meta.Database, l.meta.Table) + " WHERE " + whereClause
	return stage.Then(session.execSelect(ctx, Statement{SQL: sql, Args: argList}), func(rows Rows) (int64, error) {
		if rows.Len() == 0 {
			return 0, nil
		}
		return toInt64(rows.Value(0, rows.Columns()[0]))
	})
}
