// Package core provides the reactive persistence engine of nereid.
// This file defines the Session: the unit of work owning one pooled
// connection, a persistence context, and an action queue. Every database
// operation of a session is funneled through a serial executor so a single
// connection is never used by two operations at once, which is the
// non-negotiable constraint of a non-blocking engine sharing connections.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leandroluk/nereid/stage"
	"github.com/pkg/errors"
)

// Session is a stateful unit of work. Sessions are cheap to open and are
// meant to be short-lived: open, load and mutate entities, flush, close.
// A session must be driven from one logical flow of control; the optional
// concurrency guard turns violations into errors instead of corruption.
type Session struct {
	factory *Factory
	conn    Connection
	pctx    *persistenceContext
	queue   *actionQueue
	handler StatementHandler

	serialMutex sync.Mutex
	serialTail  *stage.Stage[stage.Unit]

	closed       bool
	defunct      bool
	inTx         bool
	rollbackOnly bool
	active       int32 // concurrency guard
}

func newSession(factory *Factory, conn Connection) *Session {
	s := &Session{
		factory:    factory,
		conn:       conn,
		pctx:       newPersistenceContext(),
		queue:      newActionQueue(),
		serialTail: stage.Of(stage.Unit{}),
	}
	s.handler = chainInterceptors(factory.interceptorList, s.rawExec)
	factory.metrics.sessionOpened()
	return s
}

// connection returns the session's connection. Generators and drivers use
// it through the exec methods; direct use bypasses interceptors.
func (s *Session) connection() Connection { return s.conn }

// IsOpen reports whether the session can still be used.
func (s *Session) IsOpen() bool { return !s.closed && !s.defunct }

// MarkRollbackOnly forces the surrounding transaction to roll back at
// completion regardless of the work's outcome.
func (s *Session) MarkRollbackOnly() { s.rollbackOnly = true }

// rawExec is the innermost statement handler: it hits the connection and
// classifies failures, marking the session defunct when the connection
// reports a fatal protocol or connectivity error.
func (s *Session) rawExec(ctx context.Context, kind StatementKind, stmt Statement) *stage.Stage[any] {
	var result *stage.Stage[any]
	switch kind {
	case StatementSelect:
		result = stage.Then(s.conn.Select(ctx, stmt.SQL, stmt.Args), func(rows Rows) (any, error) {
			return rows, nil
		})
	case StatementInsertReturning:
		result = s.conn.InsertReturning(ctx, stmt.SQL, stmt.Args)
	default:
		result = stage.Then(s.conn.Update(ctx, stmt.SQL, stmt.Args), func(affected int64) (any, error) {
			return affected, nil
		})
	}
	return stage.WhenComplete(result, func(_ any, err error) {
		if err == nil {
			return
		}
		if s.conn.Fatal() {
			s.defunct = true
		}
		if s.inTx {
			s.rollbackOnly = true
		}
	})
}

func (s *Session) execSelect(ctx context.Context, stmt Statement) *stage.Stage[Rows] {
	if err := s.usable(); err != nil {
		return stage.Failed[Rows](err)
	}
	return stage.Then(s.handler(ctx, StatementSelect, stmt), func(value any) (Rows, error) {
		return value.(Rows), nil
	})
}

func (s *Session) execUpdate(ctx context.Context, stmt Statement) *stage.Stage[int64] {
	if err := s.usable(); err != nil {
		return stage.Failed[int64](err)
	}
	return stage.Then(s.handler(ctx, StatementUpdate, stmt), func(value any) (int64, error) {
		return value.(int64), nil
	})
}

func (s *Session) execInsertReturning(ctx context.Context, stmt Statement) *stage.Stage[any] {
	if err := s.usable(); err != nil {
		return stage.Failed[any](err)
	}
	return s.handler(ctx, StatementInsertReturning, stmt)
}

func (s *Session) usable() error {
	if s.closed {
		return &SessionError{Reason: "session is closed"}
	}
	if s.defunct {
		return &SessionError{Reason: "session connection failed and was discarded"}
	}
	return nil
}

// runSerial chains fn onto the session's serial executor. Operations run
// strictly one after another; a failed operation never blocks the chain.
func runSerial[T any](s *Session, fn func() *stage.Stage[T]) *stage.Stage[T] {
	if s.factory.concurrencyGuard && !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return stage.Failed[T](&SessionError{Reason: "session invoked concurrently from multiple goroutines"})
	}
	s.serialMutex.Lock()
	previous := s.serialTail
	gate := stage.New[stage.Unit]()
	s.serialTail = gate
	s.serialMutex.Unlock()
	if s.factory.concurrencyGuard {
		atomic.StoreInt32(&s.active, 0)
	}
	result := stage.Compose(previous, func(stage.Unit) *stage.Stage[T] {
		return fn()
	})
	stage.WhenComplete(result, func(T, error) {
		gate.Complete(stage.Unit{})
	})
	return result
}

// Find loads the entity with the given identifier, or nil when no row
// exists. An instance already managed under that identifier is returned
// without hitting the database.
func (s *Session) Find(ctx context.Context, entityName string, id any) *stage.Stage[any] {
	return runSerial(s, func() *stage.Stage[any] {
		loader, err := s.factory.loaderOf(entityName)
		if err != nil {
			return stage.Failed[any](err)
		}
		return stage.Then(loader.LoadByID(ctx, s, id), func(entity any) (any, error) {
			if entity != nil {
				s.factory.events.Emit(EventLoad, EventPayload{EntityName: entityName, Entity: entity})
			}
			return entity, nil
		})
	})
}

// FindMany loads multiple identifiers in batches, preserving input order.
// Missing rows yield nil at their position.
func (s *Session) FindMany(ctx context.Context, entityName string, idList []any) *stage.Stage[[]any] {
	return runSerial(s, func() *stage.Stage[[]any] {
		loader, err := s.factory.loaderOf(entityName)
		if err != nil {
			return stage.Failed[[]any](err)
		}
		return loader.LoadMany(ctx, s, idList)
	})
}

// Select runs a query and materializes its result rows as managed
// entities.
func (s *Session) Select(ctx context.Context, entityName string, where *Where, cacheable bool) *stage.Stage[[]any] {
	return runSerial(s, func() *stage.Stage[[]any] {
		loader, err := s.factory.loaderOf(entityName)
		if err != nil {
			return stage.Failed[[]any](err)
		}
		return loader.LoadWhere(ctx, s, where, cacheable)
	})
}

// Count returns the number of rows matching the condition.
func (s *Session) Count(ctx context.Context, entityName string, condition *Condition) *stage.Stage[int64] {
	return runSerial(s, func() *stage.Stage[int64] {
		loader, err := s.factory.loaderOf(entityName)
		if err != nil {
			return stage.Failed[int64](err)
		}
		return loader.Count(ctx, s, condition)
	})
}

// Persist schedules a transient instance for insertion and cascades to
// associations mapped with cascade persist. The insert itself runs at
// flush; a pre-insert identifier is assigned immediately.
func (s *Session) Persist(ctx context.Context, entityName string, entity any) *stage.Stage[stage.Unit] {
	return runSerial(s, func() *stage.Stage[stage.Unit] {
		return s.persistInternal(ctx, entityName, entity, map[any]bool{})
	})
}

func (s *Session) persistInternal(ctx context.Context, entityName string, entity any, visited map[any]bool) *stage.Stage[stage.Unit] {
	if entity == nil || visited[entity] {
		return stage.Of(stage.Unit{})
	}
	visited[entity] = true

	persister, err := s.factory.persisterOf(entityName)
	if err != nil {
		return stage.Failed[stage.Unit](err)
	}
	meta := persister.Meta()

	descend := func() *stage.Stage[stage.Unit] {
		return cascadeAssociations(ctx, s, meta, entity, CascadePersist, visited, func(ctx context.Context, target string, child any) *stage.Stage[stage.Unit] {
			return s.persistInternal(ctx, target, child, visited)
		})
	}

	if entry := s.pctx.entryOf(entity); entry != nil {
		if entry.status == StatusDeleted {
			entry.status = StatusManaged
			s.cancelDelete(entry)
		}
		return descend()
	}
	if s.queue.hasInsert(entity) {
		return descend()
	}

	if err := meta.runPreHook(PreInsert, entity); err != nil {
		return stage.Failed[stage.Unit](err)
	}
	applyTimestamps(meta, entity, time.Now(), true)

	generator := persister.Generator()
	var idStage *stage.Stage[any]
	switch {
	case generator.PostInsert():
		idStage = stage.Of[any](nil)
	case isZeroValue(fieldValue(entity, meta.ID())):
		idStage = generator.Generate(ctx, s)
	default:
		idStage = stage.Of(persister.IdentifierOf(entity))
	}

	return stage.Compose(idStage, func(id any) *stage.Stage[stage.Unit] {
		if id != nil {
			if err := persister.SetIdentifier(entity, id); err != nil {
				return stage.Failed[stage.Unit](err)
			}
		}
		key := EntityKey{EntityName: entityName, ID: normalizeKey(persister.IdentifierOf(entity))}
		s.queue.addInsert(key, entity, persister)
		if err := s.bindCollectionChildren(key, meta, entity); err != nil {
			return stage.Failed[stage.Unit](err)
		}
		return descend()
	})
}

// bindCollectionChildren wires the children of an initialized to-many
// collection to a freshly persisted owner. A child that maps a back-reference
// for the collection's foreign-key column gets it bound, so its insert
// carries the owner's identifier; a child type without one has no foreign-key
// column in its insert, so the collection is registered with an empty
// snapshot and flush schedules a repoint of the child rows instead.
func (s *Session) bindCollectionChildren(owner EntityKey, meta *Meta, entity any) error {
	for _, assoc := range meta.ToManyList {
		if !assoc.Cascade.Has(CascadePersist) {
			continue
		}
		acc := listOf(entity, assoc)
		if !acc.listInitialized() || len(acc.listItems()) == 0 {
			continue
		}
		childMeta, err := s.factory.metaOf(assoc.Target)
		if err != nil {
			return err
		}
		var back *ToOne
		for _, candidate := range childMeta.ToOneList {
			if candidate.ColumnName == assoc.ForeignKeyColumn && candidate.Target == meta.EntityName {
				back = candidate
				break
			}
		}
		if back == nil {
			s.pctx.registerCollection(owner, assoc.FieldName, true, nil)
			continue
		}
		for _, child := range acc.listItems() {
			ref := refOf(child, back)
			if ref.refInitialized() && ref.refValue() != nil {
				continue
			}
			ref.resolveRef(entity)
		}
	}
	return nil
}

// cancelDelete drops a queued delete for the entry's entity, used when an
// instance is persisted again before the removal flushed.
func (s *Session) cancelDelete(entry *entityEntry) {
	keptList := s.queue.deleteList[:0]
	for _, act := range s.queue.deleteList {
		if act.entity != entry.entity {
			keptList = append(keptList, act)
		}
	}
	s.queue.deleteList = keptList
}

// Remove schedules a managed instance for deletion and cascades to
// associations mapped with cascade remove, fetching unfetched collections
// so their children are seen.
func (s *Session) Remove(ctx context.Context, entityName string, entity any) *stage.Stage[stage.Unit] {
	return runSerial(s, func() *stage.Stage[stage.Unit] {
		return s.removeInternal(ctx, entityName, entity, map[any]bool{})
	})
}

func (s *Session) removeInternal(ctx context.Context, entityName string, entity any, visited map[any]bool) *stage.Stage[stage.Unit] {
	if entity == nil || visited[entity] {
		return stage.Of(stage.Unit{})
	}
	visited[entity] = true

	persister, err := s.factory.persisterOf(entityName)
	if err != nil {
		return stage.Failed[stage.Unit](err)
	}
	meta := persister.Meta()

	entry := s.pctx.entryOf(entity)
	if entry == nil {
		return stage.Failed[stage.Unit](&SessionError{Reason: "removing a detached instance of " + entityName})
	}
	if entry.status != StatusDeleted {
		if err := meta.runPreHook(PreDelete, entity); err != nil {
			return stage.Failed[stage.Unit](err)
		}
		entry.status = StatusDeleted
		s.queue.addDelete(entry.key, entity, persister, entry.key.ID, entry.version)
	}
	return cascadeAssociations(ctx, s, meta, entity, CascadeRemove, visited, func(ctx context.Context, target string, child any) *stage.Stage[stage.Unit] {
		return s.removeInternal(ctx, target, child, visited)
	})
}

// Merge copies the state of a detached instance onto the managed instance
// with the same identifier, loading it if necessary, and returns the
// managed instance. A merge of an instance without an identifier persists
// a fresh copy.
func (s *Session) Merge(ctx context.Context, entityName string, entity any) *stage.Stage[any] {
	return runSerial(s, func() *stage.Stage[any] {
		return s.mergeInternal(ctx, entityName, entity, map[any]bool{})
	})
}

func (s *Session) mergeInternal(ctx context.Context, entityName string, entity any, visited map[any]bool) *stage.Stage[any] {
	if entity == nil || visited[entity] {
		return stage.Of[any](nil)
	}
	visited[entity] = true

	persister, err := s.factory.persisterOf(entityName)
	if err != nil {
		return stage.Failed[any](err)
	}
	meta := persister.Meta()

	if entry := s.pctx.entryOf(entity); entry != nil {
		return stage.Of(entity)
	}
	if isZeroValue(fieldValue(entity, meta.ID())) {
		return stage.Then(s.persistInternal(ctx, entityName, entity, map[any]bool{}), func(stage.Unit) (any, error) {
			return entity, nil
		})
	}

	loader, err := s.factory.loaderOf(entityName)
	if err != nil {
		return stage.Failed[any](err)
	}
	id := persister.IdentifierOf(entity)
	return stage.Compose(loader.LoadByID(ctx, s, id), func(managed any) *stage.Stage[any] {
		if managed == nil {
			return stage.Failed[any](&StaleStateError{EntityName: entityName, ID: id, Expected: 1, Actual: 0})
		}
		for _, field := range meta.Fields {
			if field.IsPrimaryKey || field.IsVersion {
				continue
			}
			if err := setFieldValue(managed, field, fieldValue(entity, field)); err != nil {
				return stage.Failed[any](err)
			}
		}
		merged := cascadeAssociations(ctx, s, meta, entity, CascadeMerge, visited, func(ctx context.Context, target string, child any) *stage.Stage[stage.Unit] {
			return stage.Void(s.mergeInternal(ctx, target, child, visited))
		})
		return stage.Then(merged, func(stage.Unit) (any, error) {
			return managed, nil
		})
	})
}

// Refresh reloads the managed instance's state from the database,
// overwriting in-memory changes, and cascades to associations mapped with
// cascade refresh.
func (s *Session) Refresh(ctx context.Context, entityName string, entity any) *stage.Stage[stage.Unit] {
	return runSerial(s, func() *stage.Stage[stage.Unit] {
		return s.refreshInternal(ctx, entityName, entity, map[any]bool{})
	})
}

func (s *Session) refreshInternal(ctx context.Context, entityName string, entity any, visited map[any]bool) *stage.Stage[stage.Unit] {
	if entity == nil || visited[entity] {
		return stage.Of(stage.Unit{})
	}
	visited[entity] = true

	persister, err := s.factory.persisterOf(entityName)
	if err != nil {
		return stage.Failed[stage.Unit](err)
	}
	meta := persister.Meta()
	entry := s.pctx.entryOf(entity)
	if entry == nil {
		return stage.Failed[stage.Unit](&SessionError{Reason: "refreshing a detached instance of " + entityName})
	}

	statement := buildSelectByColumn(s.factory.dialect, meta, meta.ID().DatabaseColumnName, []any{entry.key.ID}, "")
	return stage.Compose(s.execSelect(ctx, statement), func(rows Rows) *stage.Stage[stage.Unit] {
		if rows.Len() == 0 {
			return stage.Failed[stage.Unit](&StaleStateError{EntityName: entityName, ID: entry.key.ID, Expected: 1, Actual: 0})
		}
		for _, field := range meta.Fields {
			if err := setFieldValue(entity, field, rows.Value(0, field.DatabaseColumnName)); err != nil {
				return stage.Failed[stage.Unit](err)
			}
		}
		snapshot, err := persister.Snapshot(entity)
		if err != nil {
			return stage.Failed[stage.Unit](err)
		}
		entry.snapshot = snapshot
		entry.version = persister.VersionOf(entity)
		return cascadeAssociations(ctx, s, meta, entity, CascadeRefresh, visited, func(ctx context.Context, target string, child any) *stage.Stage[stage.Unit] {
			return s.refreshInternal(ctx, target, child, visited)
		})
	})
}

// Lock acquires the requested database-level lock on a managed instance and
// cascades to associations mapped with cascade lock.
func (s *Session) Lock(ctx context.Context, entityName string, entity any, mode LockMode) *stage.Stage[stage.Unit] {
	return runSerial(s, func() *stage.Stage[stage.Unit] {
		return s.lockInternal(ctx, entityName, entity, mode, map[any]bool{})
	})
}

func (s *Session) lockInternal(ctx context.Context, entityName string, entity any, mode LockMode, visited map[any]bool) *stage.Stage[stage.Unit] {
	if entity == nil || visited[entity] {
		return stage.Of(stage.Unit{})
	}
	visited[entity] = true

	persister, err := s.factory.persisterOf(entityName)
	if err != nil {
		return stage.Failed[stage.Unit](err)
	}
	entry := s.pctx.entryOf(entity)
	if entry == nil {
		return stage.Failed[stage.Unit](&SessionError{Reason: "locking a detached instance of " + entityName})
	}
	locked := stage.Then(persister.Lock(ctx, s, entity, mode), func(stage.Unit) (stage.Unit, error) {
		entry.lockMode = mode
		entry.version = persister.VersionOf(entity)
		return stage.Unit{}, nil
	})
	return stage.Compose(locked, func(stage.Unit) *stage.Stage[stage.Unit] {
		return cascadeAssociations(ctx, s, persister.Meta(), entity, CascadeLock, visited, func(ctx context.Context, target string, child any) *stage.Stage[stage.Unit] {
			return s.lockInternal(ctx, target, child, mode, visited)
		})
	})
}

// Fetch forces a lazy to-one reference, returning its target. Fetching an
// initialized reference returns the held value without touching the
// database.
func (s *Session) Fetch(ctx context.Context, ref any) *stage.Stage[any] {
	acc, ok := ref.(refAccessor)
	if !ok {
		return stage.Failed[any](&SessionError{Reason: "fetch target is not a reference"})
	}
	return runSerial(s, func() *stage.Stage[any] {
		if acc.refInitialized() {
			return stage.Of(acc.refValue())
		}
		if owner := acc.ownerSession(); owner != nil && owner != s {
			return stage.Failed[any](&SessionError{Reason: "fetching a reference loaded by another session"})
		}
		key := acc.refKey()
		if key == nil {
			acc.resolveRef(nil)
			return stage.Of[any](nil)
		}
		loader, err := s.factory.loaderOf(acc.refTarget())
		if err != nil {
			return stage.Failed[any](err)
		}
		return stage.Then(loader.LoadByID(ctx, s, key), func(target any) (any, error) {
			acc.resolveRef(target)
			return target, nil
		})
	})
}

// FetchList forces a lazy collection, returning its elements as managed
// entities and registering the collection snapshot for flush-time
// addition and removal detection.
func (s *Session) FetchList(ctx context.Context, list any) *stage.Stage[[]any] {
	acc, ok := list.(listAccessor)
	if !ok {
		return stage.Failed[[]any](&SessionError{Reason: "fetch target is not a collection"})
	}
	return runSerial(s, func() *stage.Stage[[]any] {
		if acc.listInitialized() {
			return stage.Of(acc.listItems())
		}
		if owner := acc.ownerSession(); owner != nil && owner != s {
			return stage.Failed[[]any](&SessionError{Reason: "fetching a collection loaded by another session"})
		}
		ownerName, fieldName := acc.listOwner()
		meta, err := s.factory.metaOf(ownerName)
		if err != nil {
			return stage.Failed[[]any](err)
		}
		assoc := meta.ToManyByField(fieldName)
		if assoc == nil {
			return stage.Failed[[]any](&SessionError{Reason: "no collection mapped on " + ownerName + "." + fieldName})
		}
		return s.fetchListRaw(ctx, acc, ownerName, assoc)
	})
}

// fetchListRaw loads the children of an unfetched collection and resolves
// the placeholder. It bypasses the serial executor and is only called from
// inside an already serialized operation.
func (s *Session) fetchListRaw(ctx context.Context, acc listAccessor, ownerName string, assoc *ToMany) *stage.Stage[[]any] {
	loader, err := s.factory.loaderOf(assoc.Target)
	if err != nil {
		return stage.Failed[[]any](err)
	}
	targetPersister, err := s.factory.persisterOf(assoc.Target)
	if err != nil {
		return stage.Failed[[]any](err)
	}
	ownerID := acc.listOwnerID()
	return stage.Then(loader.LoadCollection(ctx, s, assoc, ownerID), func(childList []any) ([]any, error) {
		acc.resolveList(childList)
		snapshotIDs := make([]any, 0, len(childList))
		for _, child := range childList {
			snapshotIDs = append(snapshotIDs, targetPersister.IdentifierOf(child))
		}
		owner := EntityKey{EntityName: ownerName, ID: normalizeKey(ownerID)}
		s.pctx.registerCollection(owner, assoc.FieldName, true, snapshotIDs)
		return childList, nil
	})
}

// Flush synchronizes the persistence context with the database: dirty
// checking queues updates and collection maintenance, then the action
// queue executes in dependency order. On success the query cache regions
// of the written tables are invalidated.
func (s *Session) Flush(ctx context.Context) *stage.Stage[stage.Unit] {
	return runSerial(s, func() *stage.Stage[stage.Unit] {
		return s.flushInternal(ctx)
	})
}

func (s *Session) flushInternal(ctx context.Context) *stage.Stage[stage.Unit] {
	if err := s.usable(); err != nil {
		return stage.Failed[stage.Unit](err)
	}
	if err := s.dirtyCheck(); err != nil {
		return stage.Failed[stage.Unit](err)
	}
	if s.queue.empty() {
		return stage.Of(stage.Unit{})
	}

	tableList := s.queue.affectedTables(s.factory)
	return stage.Then(s.queue.execute(ctx, s), func(stage.Unit) (stage.Unit, error) {
		if err := s.postFlush(); err != nil {
			return stage.Unit{}, err
		}
		if s.factory.queryCache != nil {
			s.factory.queryCache.InvalidateTables(tableList...)
		}
		s.factory.metrics.flushExecuted()
		s.queue.clear()
		return stage.Unit{}, nil
	})
}

// dirtyCheck walks the managed entries, queueing an update for every
// entity whose state diverged from its snapshot and collection maintenance
// for every initialized collection whose membership changed.
func (s *Session) dirtyCheck() error {
	now := time.Now()
	for _, entry := range s.pctx.entries() {
		if entry.status != StatusManaged {
			continue
		}
		persister, err := s.factory.persisterOf(entry.key.EntityName)
		if err != nil {
			return err
		}
		meta := persister.Meta()
		changes, err := persister.DirtyChanges(entry.entity, entry.snapshot)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			continue
		}
		if err := meta.runPreHook(PreUpdate, entry.entity); err != nil {
			return err
		}
		applyTimestamps(meta, entry.entity, now, false)
		changes, err = persister.DirtyChanges(entry.entity, entry.snapshot)
		if err != nil {
			return err
		}
		s.queue.addUpdate(entry.key, entry.entity, persister, changes, entry.version)
	}

	for key, centry := range s.pctx.collectionMap {
		if !centry.initialized {
			continue
		}
		// An owner whose own insert is still queued is not in the context
		// yet; its collection is maintained in the same flush regardless.
		var ownerEntity any
		if ownerEntry := s.pctx.get(key.owner); ownerEntry != nil {
			if ownerEntry.status == StatusDeleted {
				continue
			}
			ownerEntity = ownerEntry.entity
		} else if act := s.queue.insertFor(key.owner); act != nil {
			ownerEntity = act.entity
		}
		if ownerEntity == nil {
			continue
		}
		ownerMeta, err := s.factory.metaOf(key.owner.EntityName)
		if err != nil {
			return err
		}
		assoc := ownerMeta.ToManyByField(key.field)
		if assoc == nil {
			continue
		}
		targetPersister, err := s.factory.persisterOf(assoc.Target)
		if err != nil {
			return err
		}
		acc := listOf(ownerEntity, assoc)
		if !acc.listInitialized() {
			continue
		}
		currentIDs := make([]any, 0, len(acc.listItems()))
		for _, child := range acc.listItems() {
			id := targetPersister.IdentifierOf(child)
			if id == nil || isZeroValue(id) {
				continue // transient child, its insert carries the key
			}
			currentIDs = append(currentIDs, id)
		}
		addedList, removedList := diffIDs(centry.snapshotIDs, currentIDs)
		if len(addedList) == 0 && len(removedList) == 0 {
			continue
		}
		s.queue.addCollectionUpdate(targetPersister, assoc, key.owner.ID, addedList, removedList)
		centry.snapshotIDs = currentIDs
	}
	return nil
}

// diffIDs splits the current membership against the snapshot into added
// and removed identifier lists.
func diffIDs(snapshotIDs, currentIDs []any) (addedList, removedList []any) {
	snapshotSet := make(map[any]bool, len(snapshotIDs))
	for _, id := range snapshotIDs {
		snapshotSet[normalizeKey(id)] = true
	}
	currentSet := make(map[any]bool, len(currentIDs))
	for _, id := range currentIDs {
		norm := normalizeKey(id)
		currentSet[norm] = true
		if !snapshotSet[norm] {
			addedList = append(addedList, id)
		}
	}
	for _, id := range snapshotIDs {
		if !currentSet[normalizeKey(id)] {
			removedList = append(removedList, id)
		}
	}
	return addedList, removedList
}

// postFlush settles the context after a successful queue execution:
// inserted entities become managed with fresh snapshots, updated entries
// advance their version and snapshot, deleted entries are evicted. Post
// hooks and events fire here, once the writes are known durable on the
// connection.
func (s *Session) postFlush() error {
	for _, act := range s.queue.insertList {
		persister := act.persister
		meta := persister.Meta()
		key := EntityKey{EntityName: meta.EntityName, ID: normalizeKey(persister.IdentifierOf(act.entity))}
		snapshot, err := persister.Snapshot(act.entity)
		if err != nil {
			return err
		}
		if _, err := s.pctx.add(key, act.entity, StatusManaged, snapshot, persister.VersionOf(act.entity)); err != nil {
			return err
		}
		if err := s.snapshotCollections(key, meta, act.entity); err != nil {
			return err
		}
		if err := meta.runPostHook(PostInsert, act.entity); err != nil {
			return err
		}
		s.factory.events.Emit(EventInsert, EventPayload{EntityName: meta.EntityName, Entity: act.entity})
	}
	for _, act := range s.queue.updateList {
		persister := act.persister
		meta := persister.Meta()
		if meta.VersionField() != nil {
			oldVersion, err := toInt64(act.oldVersion)
			if err != nil {
				return err
			}
			if err := setFieldValue(act.entity, meta.VersionField(), oldVersion+1); err != nil {
				return err
			}
		}
		entry := s.pctx.entryOf(act.entity)
		if entry != nil {
			snapshot, err := persister.Snapshot(act.entity)
			if err != nil {
				return err
			}
			entry.snapshot = snapshot
			entry.version = persister.VersionOf(act.entity)
		}
		if err := meta.runPostHook(PostUpdate, act.entity); err != nil {
			return err
		}
		s.factory.events.Emit(EventUpdate, EventPayload{EntityName: meta.EntityName, Entity: act.entity})
	}
	for _, act := range s.queue.deleteList {
		meta := act.persister.Meta()
		s.pctx.remove(act.key)
		if err := meta.runPostHook(PostDelete, act.entity); err != nil {
			return err
		}
		s.factory.events.Emit(EventDelete, EventPayload{EntityName: meta.EntityName, Entity: act.entity})
	}
	return nil
}

// snapshotCollections records the flushed membership of every initialized
// collection of a freshly inserted owner, so later additions and removals
// diff against it.
func (s *Session) snapshotCollections(owner EntityKey, meta *Meta, entity any) error {
	for _, assoc := range meta.ToManyList {
		acc := listOf(entity, assoc)
		if !acc.listInitialized() {
			continue
		}
		targetPersister, err := s.factory.persisterOf(assoc.Target)
		if err != nil {
			return err
		}
		snapshotIDs := make([]any, 0, len(acc.listItems()))
		for _, child := range acc.listItems() {
			id := targetPersister.IdentifierOf(child)
			if id == nil || isZeroValue(id) {
				continue
			}
			snapshotIDs = append(snapshotIDs, id)
		}
		s.pctx.registerCollection(owner, assoc.FieldName, true, snapshotIDs)
	}
	return nil
}

// Contains reports whether the instance is managed by this session.
func (s *Session) Contains(entity any) bool {
	return s.pctx.entryOf(entity) != nil
}

// Detach evicts the instance from the persistence context, cascading to
// associations mapped with cascade detach. Pending changes that were not
// flushed are lost. Detaching touches no database state, so unfetched
// associations are left alone.
func (s *Session) Detach(entity any) {
	s.detachInternal(entity, map[any]bool{})
}

func (s *Session) detachInternal(entity any, visited map[any]bool) {
	if entity == nil || visited[entity] {
		return
	}
	visited[entity] = true

	entry := s.pctx.entryOf(entity)
	if entry == nil {
		return
	}
	meta, err := s.factory.metaOf(entry.key.EntityName)
	s.pctx.remove(entry.key)
	if err != nil {
		return
	}
	// Every stage settles synchronously here: the detach style never forces
	// an unfetched collection.
	cascadeAssociations(context.Background(), s, meta, entity, CascadeDetach, visited, func(_ context.Context, _ string, child any) *stage.Stage[stage.Unit] {
		s.detachInternal(child, visited)
		return stage.Of(stage.Unit{})
	})
}

// SetReadOnly excludes or re-includes a managed instance from dirty
// checking.
func (s *Session) SetReadOnly(entity any, readOnly bool) {
	entry := s.pctx.entryOf(entity)
	if entry == nil {
		return
	}
	if readOnly {
		entry.status = StatusReadOnly
		return
	}
	entry.status = StatusManaged
}

// Clear discards the persistence context and every queued action.
func (s *Session) Clear() {
	s.pctx.clear()
	s.queue.clear()
}

// WithTransaction runs work inside a database transaction on the session's
// connection: begin, work, flush, commit. Any failure, or a session marked
// rollback-only, rolls the transaction back; the work's error is preserved
// even when the rollback itself fails.
func (s *Session) WithTransaction(ctx context.Context, work func(ctx context.Context) *stage.Stage[any]) *stage.Stage[any] {
	// Begin, commit, and rollback each take their own serial slot so the
	// operations work performs on the session interleave between them
	// instead of chaining behind the whole transaction.
	began := false
	begun := runSerial(s, func() *stage.Stage[stage.Unit] {
		if err := s.usable(); err != nil {
			return stage.Failed[stage.Unit](err)
		}
		if s.inTx {
			return stage.Failed[stage.Unit](&SessionError{Reason: "transaction already active"})
		}
		s.inTx = true
		s.rollbackOnly = false
		return stage.WhenComplete(s.conn.Begin(ctx), func(_ stage.Unit, err error) {
			if err != nil {
				s.inTx = false
				return
			}
			began = true
		})
	})

	rollback := func(workErr error) *stage.Stage[any] {
		if workErr == nil {
			workErr = &SessionError{Reason: "transaction marked rollback-only"}
		}
		return runSerial(s, func() *stage.Stage[any] {
			return stage.Handle(s.conn.Rollback(ctx), func(_ stage.Unit, rbErr error) *stage.Stage[any] {
				s.inTx = false
				if rbErr != nil {
					return stage.Failed[any](errors.Wrapf(workErr, "rollback also failed: %v", rbErr))
				}
				return stage.Failed[any](workErr)
			})
		})
	}

	worked := stage.Compose(begun, func(stage.Unit) *stage.Stage[any] {
		return work(ctx)
	})
	return stage.Handle(worked, func(value any, workErr error) *stage.Stage[any] {
		if !began {
			return stage.Failed[any](workErr)
		}
		if workErr != nil || s.rollbackOnly {
			return rollback(workErr)
		}
		committed := runSerial(s, func() *stage.Stage[stage.Unit] {
			return stage.Compose(s.flushInternal(ctx), func(stage.Unit) *stage.Stage[stage.Unit] {
				return s.conn.Commit(ctx)
			})
		})
		return stage.Handle(committed, func(_ stage.Unit, commitErr error) *stage.Stage[any] {
			if commitErr != nil {
				return rollback(commitErr)
			}
			s.inTx = false
			return stage.Of(value)
		})
	})
}

// Close releases the session's connection back to the pool. A defunct
// connection is discarded by the pool instead of reused.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.factory.metrics.sessionClosed()
	return s.conn.Release(ctx)
}
