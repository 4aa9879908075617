// Package core provides the reactive persistence engine of nereid.
// This file defines the action queue: the per-session buffer of pending
// writes that a flush turns into ordered SQL. Inserts run parents before
// children so foreign keys reference existing rows, deletes run in the
// opposite direction, and collection maintenance runs between the two.
package core

import (
	"context"

	"github.com/leandroluk/nereid/stage"
)

type actionKind int

const (
	actionInsert actionKind = iota
	actionUpdate
	actionDelete
	actionCollectionUpdate
)

// action is one pending write. Statements are rendered at execution time,
// not at enqueue time, so identifiers assigned by earlier actions in the
// same flush are visible to later ones.
type action struct {
	kind      actionKind
	key       EntityKey
	entity    any
	persister *Persister

	// update
	changes    Changes
	oldVersion any

	// delete
	id      any
	version any

	// collection maintenance
	assoc         *ToMany
	ownerID       any
	addedIDList   []any
	removedIDList []any
}

// actionQueue buffers the writes of one session between flushes.
type actionQueue struct {
	insertList     []*action
	updateList     []*action
	collectionList []*action
	deleteList     []*action
	insertedSet    map[any]*action // entity instance -> queued insert
}

func newActionQueue() *actionQueue {
	return &actionQueue{insertedSet: make(map[any]*action)}
}

func (q *actionQueue) empty() bool {
	return len(q.insertList) == 0 && len(q.updateList) == 0 &&
		len(q.collectionList) == 0 && len(q.deleteList) == 0
}

func (q *actionQueue) addInsert(key EntityKey, entity any, persister *Persister) {
	act := &action{kind: actionInsert, key: key, entity: entity, persister: persister}
	q.insertList = append(q.insertList, act)
	q.insertedSet[entity] = act
}

// hasInsert reports whether the given instance is already queued for insert.
func (q *actionQueue) hasInsert(entity any) bool {
	_, ok := q.insertedSet[entity]
	return ok
}

// insertFor returns the queued insert registered under the given key, or nil.
func (q *actionQueue) insertFor(key EntityKey) *action {
	for _, act := range q.insertList {
		if act.key == key {
			return act
		}
	}
	return nil
}

func (q *actionQueue) addUpdate(key EntityKey, entity any, persister *Persister, changes Changes, oldVersion any) {
	q.updateList = append(q.updateList, &action{
		kind: actionUpdate, key: key, entity: entity, persister: persister,
		changes: changes, oldVersion: oldVersion,
	})
}

func (q *actionQueue) addDelete(key EntityKey, entity any, persister *Persister, id, version any) {
	q.deleteList = append(q.deleteList, &action{
		kind: actionDelete, key: key, entity: entity, persister: persister,
		id: id, version: version,
	})
}

func (q *actionQueue) addCollectionUpdate(persister *Persister, assoc *ToMany, ownerID any, addedIDList, removedIDList []any) {
	q.collectionList = append(q.collectionList, &action{
		kind: actionCollectionUpdate, persister: persister, assoc: assoc,
		ownerID: ownerID, addedIDList: addedIDList, removedIDList: removedIDList,
	})
}

// affectedTables lists every table a flush of this queue writes to.
func (q *actionQueue) affectedTables(factory *Factory) []string {
	seen := make(map[string]bool)
	tableList := make([]string, 0, 4)
	record := func(table string) {
		if table != "" && !seen[table] {
			seen[table] = true
			tableList = append(tableList, table)
		}
	}
	for _, list := range [][]*action{q.insertList, q.updateList, q.deleteList} {
		for _, act := range list {
			record(act.persister.meta.Table)
		}
	}
	for _, act := range q.collectionList {
		if target, err := factory.metaOf(act.assoc.Target); err == nil {
			record(target.Table)
		}
	}
	return tableList
}

// sortInserts orders queued inserts parents-first. An insert depends on
// another when its entity holds a loaded to-one reference to an instance
// that is itself queued for insert. Cycles fall back to registration order
// for the actions involved.
func (q *actionQueue) sortInserts(factory *Factory) {
	sortedList := make([]*action, 0, len(q.insertList))
	visited := make(map[*action]int) // 0 unseen, 1 on stack, 2 done
	var visit func(act *action)
	visit = func(act *action) {
		if visited[act] != 0 {
			return
		}
		visited[act] = 1
		for _, assoc := range act.persister.meta.ToOneList {
			acc := refOf(act.entity, assoc)
			if !acc.refInitialized() {
				continue
			}
			parent := acc.refValue()
			if parent == nil {
				continue
			}
			if parentAct, ok := q.insertedSet[parent]; ok && visited[parentAct] != 1 {
				visit(parentAct)
			}
		}
		visited[act] = 2
		sortedList = append(sortedList, act)
	}
	for _, act := range q.insertList {
		visit(act)
	}
	q.insertList = sortedList
}

// execute runs the queued actions in flush order: inserts parents-first,
// then updates and collection maintenance in registration order, then
// deletes children-first. Execution stops at the first failure.
func (q *actionQueue) execute(ctx context.Context, session *Session) *stage.Stage[stage.Unit] {
	q.sortInserts(session.factory)

	producerList := make([]func() *stage.Stage[stage.Unit], 0,
		len(q.insertList)+len(q.updateList)+len(q.collectionList)+len(q.deleteList))
	for _, act := range q.insertList {
		producerList = append(producerList, q.producer(ctx, session, act))
	}
	for _, act := range q.updateList {
		producerList = append(producerList, q.producer(ctx, session, act))
	}
	for _, act := range q.collectionList {
		producerList = append(producerList, q.producer(ctx, session, act))
	}
	for i := len(q.deleteList) - 1; i >= 0; i-- {
		producerList = append(producerList, q.producer(ctx, session, q.deleteList[i]))
	}
	return stage.Sequence(producerList)
}

func (q *actionQueue) producer(ctx context.Context, session *Session, act *action) func() *stage.Stage[stage.Unit] {
	return func() *stage.Stage[stage.Unit] {
		switch act.kind {
		case actionInsert:
			return act.persister.Insert(ctx, session, act.entity)
		case actionUpdate:
			return act.persister.Update(ctx, session, act.entity, act.changes, act.oldVersion)
		case actionDelete:
			return act.persister.Delete(ctx, session, act.id, act.version)
		default:
			return q.executeCollection(ctx, session, act)
		}
	}
}

// executeCollection repoints or clears the foreign-key column of child rows
// added to or removed from a to-many collection since its snapshot.
func (q *actionQueue) executeCollection(ctx context.Context, session *Session, act *action) *stage.Stage[stage.Unit] {
	target, err := session.factory.metaOf(act.assoc.Target)
	if err != nil {
		return stage.Failed[stage.Unit](err)
	}
	dialect := session.factory.dialect

	run := func(idList []any, fkValue any) func() *stage.Stage[stage.Unit] {
		return func() *stage.Stage[stage.Unit] {
			if len(idList) == 0 {
				return stage.Of(stage.Unit{})
			}
			stmt := buildCollectionRepoint(dialect, target, act.assoc.ForeignKeyColumn, fkValue, idList)
			return stage.Then(session.execUpdate(ctx, stmt), func(int64) (stage.Unit, error) {
				return stage.Unit{}, nil
			})
		}
	}
	return stage.Sequence([]func() *stage.Stage[stage.Unit]{
		run(act.addedIDList, act.ownerID),
		run(act.removedIDList, nil),
	})
}

// clear drops all queued actions, keeping the queue reusable.
func (q *actionQueue) clear() {
	q.insertList = nil
	q.updateList = nil
	q.collectionList = nil
	q.deleteList = nil
	q.insertedSet = make(map[any]*action)
}
