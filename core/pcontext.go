// Package core implements the reactive persistence engine of nereid.
// This file defines the persistence context: the per-unit-of-work registry
// tracking every managed entity and collection, its last-known database
// snapshot, and its load state. It enforces the at-most-one managed
// instance per entity key invariant.
package core

import "fmt"

// EntityKey identifies one logical entity within a persistence context:
// the entity name plus its normalized identifier value. Equality is
// structural.
type EntityKey struct {
	EntityName string
	ID         any
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s#%v", k.EntityName, k.ID)
}

// EntityStatus is the load state of a managed entity.
type EntityStatus int

const (
	// StatusLoading marks an entity whose row is being assembled; the
	// instance is registered early so circular fetches resolve to it.
	StatusLoading EntityStatus = iota
	// StatusManaged marks a fully loaded or persisted entity tracked for
	// dirty checking.
	StatusManaged
	// StatusDeleted marks an entity scheduled for deletion at flush.
	StatusDeleted
	// StatusReadOnly marks an entity excluded from dirty checking.
	StatusReadOnly
)

// entityEntry records the managed state of one entity instance.
type entityEntry struct {
	key      EntityKey
	entity   any
	status   EntityStatus
	snapshot Changes // column -> last-known database value
	version  any
	lockMode LockMode
}

// collectionKey identifies one managed collection-valued association.
type collectionKey struct {
	owner EntityKey
	field string
}

// collectionEntry tracks whether a mapped collection has been fetched and
// the child identifiers it held at that point, for addition/removal
// detection during flush.
type collectionEntry struct {
	initialized bool
	snapshotIDs []any
}

// persistenceContext is the per-session registry of managed state. It is
// owned exclusively by one session and never accessed concurrently; the
// session's serial executor guarantees that.
type persistenceContext struct {
	entryMap      map[EntityKey]*entityEntry
	entryByEntity map[any]*entityEntry
	keyOrder      []EntityKey
	collectionMap map[collectionKey]*collectionEntry
}

func newPersistenceContext() *persistenceContext {
	return &persistenceContext{
		entryMap:      make(map[EntityKey]*entityEntry),
		entryByEntity: make(map[any]*entityEntry),
		collectionMap: make(map[collectionKey]*collectionEntry),
	}
}

// add registers an instance under its key. Registering a second, distinct
// instance for a key already bound fails with NonUniqueObjectError;
// re-registering the same instance updates its entry in place.
func (pc *persistenceContext) add(key EntityKey, entity any, status EntityStatus, snapshot Changes, version any) (*entityEntry, error) {
	if existing, ok := pc.entryMap[key]; ok {
		if existing.entity != entity {
			return nil, &NonUniqueObjectError{EntityName: key.EntityName, ID: key.ID}
		}
		existing.status = status
		existing.snapshot = snapshot
		existing.version = version
		return existing, nil
	}
	entry := &entityEntry{key: key, entity: entity, status: status, snapshot: snapshot, version: version}
	pc.entryMap[key] = entry
	pc.entryByEntity[entity] = entry
	pc.keyOrder = append(pc.keyOrder, key)
	return entry, nil
}

// get returns the entry for a key, or nil.
func (pc *persistenceContext) get(key EntityKey) *entityEntry {
	return pc.entryMap[key]
}

// entryOf returns the entry tracking the given instance, or nil for a
// detached or transient instance.
func (pc *persistenceContext) entryOf(entity any) *entityEntry {
	return pc.entryByEntity[entity]
}

// remove evicts an entry, detaching its instance.
func (pc *persistenceContext) remove(key EntityKey) {
	entry, ok := pc.entryMap[key]
	if !ok {
		return
	}
	delete(pc.entryMap, key)
	delete(pc.entryByEntity, entry.entity)
	for index, ordered := range pc.keyOrder {
		if ordered == key {
			pc.keyOrder = append(pc.keyOrder[:index], pc.keyOrder[index+1:]...)
			break
		}
	}
	for ck := range pc.collectionMap {
		if ck.owner == key {
			delete(pc.collectionMap, ck)
		}
	}
}

// entries returns the managed entries in registration order, so flush
// processing is deterministic.
func (pc *persistenceContext) entries() []*entityEntry {
	entryList := make([]*entityEntry, 0, len(pc.keyOrder))
	for _, key := range pc.keyOrder {
		if entry, ok := pc.entryMap[key]; ok {
			entryList = append(entryList, entry)
		}
	}
	return entryList
}

// registerCollection records the state of a collection-valued association.
func (pc *persistenceContext) registerCollection(owner EntityKey, field string, initialized bool, snapshotIDs []any) {
	pc.collectionMap[collectionKey{owner: owner, field: field}] = &collectionEntry{
		initialized: initialized,
		snapshotIDs: snapshotIDs,
	}
}

// collection returns the entry of a collection-valued association, or nil.
func (pc *persistenceContext) collection(owner EntityKey, field string) *collectionEntry {
	return pc.collectionMap[collectionKey{owner: owner, field: field}]
}

// clear discards every tracked entry.
func (pc *persistenceContext) clear() {
	pc.entryMap = make(map[EntityKey]*entityEntry)
	pc.entryByEntity = make(map[any]*entityEntry)
	pc.keyOrder = nil
	pc.collectionMap = make(map[collectionKey]*collectionEntry)
}
