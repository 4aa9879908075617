// Package core implements the reactive persistence engine of nereid.
// This file defines the lazy association placeholders. A non-blocking
// engine cannot materialize an association transparently on field access,
// so unfetched references fail immediately with LazyInitializationError and
// are forced explicitly through Session.Fetch or FetchList.
package core

import "reflect"

type lazyState int

const (
	// lazyLoaded means the placeholder holds its final value (possibly nil
	// or empty). This is the zero state, so freshly constructed entities
	// behave as holding empty, initialized associations.
	lazyLoaded lazyState = iota
	// lazyKey means only the foreign-key value is known; reading the target
	// requires an explicit fetch.
	lazyKey
	// lazyUnfetched means a to-many association whose children were never
	// read from the database.
	lazyUnfetched
)

// Ref is the placeholder for a to-one association. A Ref loaded from the
// database initially knows only the foreign-key value; Get fails with
// LazyInitializationError until the target is fetched via Session.Fetch or
// the association was mapped eager.
type Ref[T any] struct {
	state      lazyState
	key        any
	value      *T
	session    *Session
	entityName string
	fieldName  string
}

// RefTo builds an initialized Ref holding the given target.
func RefTo[T any](value *T) Ref[T] {
	return Ref[T]{state: lazyLoaded, value: value}
}

// Get returns the associated entity, or nil for an empty association.
// It fails with LazyInitializationError when the target has not been
// fetched.
func (r *Ref[T]) Get() (*T, error) {
	if r.state != lazyLoaded {
		return nil, &LazyInitializationError{
			EntityName: r.entityName,
			FieldName:  r.fieldName,
			Reason:     "the reference was loaded lazily",
		}
	}
	return r.value, nil
}

// Set assigns the associated entity, marking the reference initialized.
func (r *Ref[T]) Set(value *T) {
	r.state = lazyLoaded
	r.value = value
	r.key = nil
}

// Key returns the foreign-key value when known, or nil.
func (r *Ref[T]) Key() any { return r.key }

// Initialized reports whether Get would succeed.
func (r *Ref[T]) Initialized() bool { return r.state == lazyLoaded }

func (r *Ref[T]) refKey() any          { return r.key }
func (r *Ref[T]) refInitialized() bool { return r.state == lazyLoaded }
func (r *Ref[T]) refTarget() string    { return r.entityName }
func (r *Ref[T]) ownerSession() *Session {
	return r.session
}

func (r *Ref[T]) refValue() any {
	if r.value == nil {
		return nil
	}
	return r.value
}

func (r *Ref[T]) setRefKey(key any, session *Session, entityName, fieldName string) {
	r.state = lazyKey
	r.key = key
	r.value = nil
	r.session = session
	r.entityName = entityName
	r.fieldName = fieldName
}

func (r *Ref[T]) resolveRef(value any) {
	if value == nil {
		r.Set(nil)
		return
	}
	r.state = lazyLoaded
	r.value = value.(*T)
}

// List is the placeholder for a to-many association. A List loaded from the
// database is unfetched until forced through Session.FetchList; Items fails
// with LazyInitializationError before that. A zero List behaves as an
// empty, initialized collection so new entities can Add children directly.
type List[T any] struct {
	state      lazyState
	items      []*T
	ownerID    any
	session    *Session
	entityName string
	fieldName  string
}

// ListOf builds an initialized List holding the given items.
func ListOf[T any](items ...*T) List[T] {
	return List[T]{state: lazyLoaded, items: items}
}

// Items returns the collection elements. It fails with
// LazyInitializationError when the collection has not been fetched.
func (l *List[T]) Items() ([]*T, error) {
	if l.state != lazyLoaded {
		return nil, &LazyInitializationError{
			EntityName: l.entityName,
			FieldName:  l.fieldName,
			Reason:     "the collection was loaded lazily",
		}
	}
	return l.items, nil
}

// Add appends an element. Adding to an unfetched collection fails with
// LazyInitializationError: fetch it first so additions are tracked against
// the loaded state.
func (l *List[T]) Add(item *T) error {
	if l.state != lazyLoaded {
		return &LazyInitializationError{
			EntityName: l.entityName,
			FieldName:  l.fieldName,
			Reason:     "cannot add to an unfetched collection",
		}
	}
	l.items = append(l.items, item)
	return nil
}

// SetAll replaces the collection contents, marking it initialized.
func (l *List[T]) SetAll(items []*T) {
	l.state = lazyLoaded
	l.items = items
}

// Len returns the element count of an initialized collection, and 0 for an
// unfetched one.
func (l *List[T]) Len() int { return len(l.items) }

// Initialized reports whether Items would succeed.
func (l *List[T]) Initialized() bool { return l.state == lazyLoaded }

func (l *List[T]) listInitialized() bool { return l.state == lazyLoaded }
func (l *List[T]) listOwnerID() any      { return l.ownerID }
func (l *List[T]) listOwner() (string, string) {
	return l.entityName, l.fieldName
}
func (l *List[T]) ownerSession() *Session {
	return l.session
}

func (l *List[T]) listItems() []any {
	itemList := make([]any, 0, len(l.items))
	for _, item := range l.items {
		itemList = append(itemList, item)
	}
	return itemList
}

func (l *List[T]) markUnfetched(ownerID any, session *Session, entityName, fieldName string) {
	l.state = lazyUnfetched
	l.items = nil
	l.ownerID = ownerID
	l.session = session
	l.entityName = entityName
	l.fieldName = fieldName
}

func (l *List[T]) resolveList(items []any) {
	itemList := make([]*T, 0, len(items))
	for _, item := range items {
		itemList = append(itemList, item.(*T))
	}
	l.state = lazyLoaded
	l.items = itemList
}

// refAccessor is the type-erased view of *Ref[T] used by the persister,
// loader, and cascade layers.
type refAccessor interface {
	refKey() any
	refInitialized() bool
	refValue() any
	refTarget() string
	setRefKey(key any, session *Session, entityName, fieldName string)
	resolveRef(value any)
	ownerSession() *Session
}

// listAccessor is the type-erased view of *List[T].
type listAccessor interface {
	listInitialized() bool
	listItems() []any
	listOwnerID() any
	listOwner() (entityName, fieldName string)
	markUnfetched(ownerID any, session *Session, entityName, fieldName string)
	resolveList(items []any)
	ownerSession() *Session
}

var (
	refAccessorType  = reflect.TypeOf((*refAccessor)(nil)).Elem()
	listAccessorType = reflect.TypeOf((*listAccessor)(nil)).Elem()
)

// refOf returns the refAccessor for the to-one association field of entity.
func refOf(entity any, assoc *ToOne) refAccessor {
	field := reflect.ValueOf(entity).Elem().FieldByIndex(assoc.Index)
	return field.Addr().Interface().(refAccessor)
}

// listOf returns the listAccessor for the to-many association field of entity.
func listOf(entity any, assoc *ToMany) listAccessor {
	field := reflect.ValueOf(entity).Elem().FieldByIndex(assoc.Index)
	return field.Addr().Interface().(listAccessor)
}
