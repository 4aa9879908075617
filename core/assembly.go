// Package core implements the reactive persistence engine of nereid.
// This file defines result assembly: walking one result row into a graph of
// managed entity instances. Each fetched association has an initializer
// owning a small per-row state machine (uninitialized -> key resolved ->
// resolved). Eager fetches that need a secondary query suspend row
// processing on a stage; a row's value is surfaced only after every
// initializer reached resolved, so partial rows never escape. Circular
// fetches are detected when the assembly plan is compiled at factory boot,
// not per row, and resolve through the persistence context instead of
// recursing.
package core

import (
	"context"
	"fmt"

	"github.com/leandroluk/nereid/stage"
)

// assemblyPlan is the compiled result shape for one entity: which to-one
// associations are fetched eagerly and which of those close a cycle back to
// an entity already on the fetch path.
type assemblyPlan struct {
	meta         *Meta
	eagerList    []*ToOne // fetched via secondary load during assembly
	circularList []*ToOne // eager but cyclic: resolved from the context only
}

// compilePlans builds the assembly plan of every registered entity,
// marking eager to-one fetches that revisit an entity already on the eager
// fetch path as circular.
func compilePlans(metaMap map[string]*Meta) map[string]*assemblyPlan {
	planMap := make(map[string]*assemblyPlan, len(metaMap))
	for name, meta := range metaMap {
		plan := &assemblyPlan{meta: meta}
		path := map[string]bool{name: true}
		classifyEager(metaMap, meta, path, plan)
		planMap[name] = plan
	}
	return planMap
}

// classifyEager splits the eager to-one associations of meta into plain and
// circular, walking transitively through eager fetch chains.
func classifyEager(metaMap map[string]*Meta, meta *Meta, path map[string]bool, plan *assemblyPlan) {
	for _, assoc := range meta.ToOneList {
		if !assoc.Eager {
			continue
		}
		if path[assoc.Target] {
			if meta == plan.meta {
				plan.circularList = append(plan.circularList, assoc)
			}
			continue
		}
		if meta == plan.meta {
			plan.eagerList = append(plan.eagerList, assoc)
		}
		if target, ok := metaMap[assoc.Target]; ok {
			path[assoc.Target] = true
			classifyEager(metaMap, target, path, plan)
			delete(path, assoc.Target)
		}
	}
}

// initializerState is the per-row life cycle of one fetched association.
type initializerState int

const (
	initUninitialized initializerState = iota
	initKeyResolved
	initResolved
)

// toOneInitializer resolves one to-one fetch for the current row.
type toOneInitializer struct {
	assoc    *ToOne
	circular bool
	state    initializerState
	key      any
}

// resolveKey reads the foreign-key value from the row, moving the
// initializer to key-resolved.
func (ini *toOneInitializer) resolveKey(rows Rows, row int) {
	ini.key = rows.Value(row, ini.assoc.ColumnName)
	ini.state = initKeyResolved
}

// resolve completes the initializer for the given owning instance. An empty
// key resolves to nil; a lazy or circular fetch resolves to a key-only
// reference (circular fetches first try the context, reusing the instance
// the earlier initializer produced); an eager fetch issues the secondary
// load and suspends until it completes.
func (ini *toOneInitializer) resolve(ctx context.Context, session *Session, entity any) *stage.Stage[stage.Unit] {
	ref := refOf(entity, ini.assoc)
	finish := func(value any) {
		ini.state = initResolved
		if value == nil {
			ref.setRefKey(ini.key, session, ini.assoc.Target, ini.assoc.FieldName)
			return
		}
		ref.resolveRef(value)
	}

	if ini.key == nil {
		ini.state = initResolved
		ref.resolveRef(nil)
		return stage.Of(stage.Unit{})
	}

	key := EntityKey{EntityName: ini.assoc.Target, ID: normalizeKey(ini.key)}
	if entry := session.pctx.get(key); entry != nil {
		finish(entry.entity)
		return stage.Of(stage.Unit{})
	}
	if ini.circular || !ini.assoc.Eager {
		finish(nil)
		return stage.Of(stage.Unit{})
	}

	loader, err := session.factory.loaderOf(ini.assoc.Target)
	if err != nil {
		return stage.Failed[stage.Unit](err)
	}
	return stage.Then(loader.LoadByID(ctx, session, ini.key), func(target any) (stage.Unit, error) {
		finish(target)
		return stage.Unit{}, nil
	})
}

// rowState threads one query execution's result set, current row, and
// pending initializers through the assembly walk.
type rowState struct {
	rows            Rows
	row             int
	initializerList []*toOneInitializer
}

// assembleRow walks a single result row into a managed instance of meta.
// An instance already managed under the row's key is reused as is.
func assembleRow(ctx context.Context, session *Session, meta *Meta, rows Rows, row int) *stage.Stage[any] {
	idValue := rows.Value(row, meta.ID().DatabaseColumnName)
	if idValue == nil {
		return stage.Failed[any](fmt.Errorf("core: row for %s has no identifier value", meta.EntityName))
	}
	key := EntityKey{EntityName: meta.EntityName, ID: normalizeKey(idValue)}
	if entry := session.pctx.get(key); entry != nil && entry.status != StatusDeleted {
		return stage.Of(entry.entity)
	}

	entity := meta.NewInstance()
	if _, err := session.pctx.add(key, entity, StatusLoading, nil, nil); err != nil {
		return stage.Failed[any](err)
	}
	// A failed assembly evicts the loading entry, so the partial instance
	// never resurfaces from the context on a later load.
	evictOnFailure := func(result *stage.Stage[any]) *stage.Stage[any] {
		return stage.WhenComplete(result, func(_ any, err error) {
			if err != nil {
				session.pctx.remove(key)
			}
		})
	}

	// Basic columns, identifier and version included.
	for _, field := range meta.Fields {
		if err := setFieldValue(entity, field, rows.Value(row, field.DatabaseColumnName)); err != nil {
			return evictOnFailure(stage.Failed[any](fmt.Errorf("core: assembling %s.%s: %w", meta.EntityName, field.StructFieldName, err)))
		}
	}

	// To-many associations start unfetched; forcing them later goes
	// through Session.FetchList.
	for _, assoc := range meta.ToManyList {
		listOf(entity, assoc).markUnfetched(key.ID, session, meta.EntityName, assoc.FieldName)
	}

	plan := session.factory.planOf(meta.EntityName)
	state := &rowState{rows: rows, row: row}
	for _, assoc := range meta.ToOneList {
		ini := &toOneInitializer{assoc: assoc}
		for _, circular := range plan.circularList {
			if circular == assoc {
				ini.circular = true
			}
		}
		ini.resolveKey(rows, row)
		state.initializerList = append(state.initializerList, ini)
	}

	producerList := make([]func() *stage.Stage[stage.Unit], 0, len(state.initializerList))
	for _, ini := range state.initializerList {
		ini := ini
		producerList = append(producerList, func() *stage.Stage[stage.Unit] {
			return ini.resolve(ctx, session, entity)
		})
	}

	return evictOnFailure(stage.Then(stage.Sequence(producerList), func(stage.Unit) (any, error) {
		for _, ini := range state.initializerList {
			if ini.state != initResolved {
				return nil, fmt.Errorf("core: initializer for %s.%s left key-resolved", meta.EntityName, ini.assoc.FieldName)
			}
		}
		persister, err := session.factory.persisterOf(meta.EntityName)
		if err != nil {
			return nil, err
		}
		snapshot, err := persister.Snapshot(entity)
		if err != nil {
			return nil, err
		}
		if _, err := session.pctx.add(key, entity, StatusManaged, snapshot, persister.VersionOf(entity)); err != nil {
			return nil, err
		}
		if err := meta.runPostHook(PostFind, entity); err != nil {
			return nil, err
		}
		return entity, nil
	}))
}

// assembleRows walks every row of a result set sequentially. Rows are
// processed one at a time because assembling a row may suspend on a
// secondary fetch sharing the session's connection.
func assembleRows(ctx context.Context, session *Session, meta *Meta, rows Rows) *stage.Stage[[]any] {
	entityList := make([]any, 0, rows.Len())
	producerList := make([]func() *stage.Stage[stage.Unit], 0, rows.Len())
	for row := 0; row < rows.Len(); row++ {
		row := row
		producerList = append(producerList, func() *stage.Stage[stage.Unit] {
			return stage.Then(assembleRow(ctx, session, meta, rows, row), func(entity any) (stage.Unit, error) {
				entityList = append(entityList, entity)
				return stage.Unit{}, nil
			})
		})
	}
	return stage.Then(stage.Sequence(producerList), func(stage.Unit) ([]any, error) {
		return dedupeEntities(entityList), nil
	})
}

// dedupeEntities drops repeated instances produced by padded batches, where
// the same identifier may appear in a batch twice.
func dedupeEntities(entityList []any) []any {
	seen := make(map[any]bool, len(entityList))
	dedupedList := make([]any, 0, len(entityList))
	for _, entity := range entityList {
		if entity == nil || seen[entity] {
			continue
		}
		seen[entity] = true
		dedupedList = append(dedupedList, entity)
	}
	return dedupedList
}
