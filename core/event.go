// Package core provides the reactive persistence engine of nereid.
// This file defines lifecycle events emitted by sessions as entities are
// loaded and as flushed writes complete.
package core

import "sync"

// Event represents a lifecycle event emitted by the engine.
//
// Events are triggered as flushed inserts, updates, and deletes complete,
// and as entities are materialized by a load. They allow users to register
// custom handlers to observe or react to changes in the persistence layer.
type Event string

const (
	// EventInsert is emitted after an entity's insert is flushed.
	EventInsert Event = "insert"
	// EventUpdate is emitted after an entity's update is flushed.
	EventUpdate Event = "update"
	// EventDelete is emitted after an entity's delete is flushed.
	EventDelete Event = "delete"
	// EventLoad is emitted after an entity is materialized by a load.
	EventLoad Event = "load"
)

// EventHandler defines the callback signature for event listeners.
// The payload is always an EventPayload.
type EventHandler func(payload EventPayload)

// EventPayload carries the entity an event concerns.
type EventPayload struct {
	EntityName string
	Entity     any
}

// EventDispatcher manages a list of event handlers and dispatches them
// when the corresponding events are emitted. Each factory owns one
// dispatcher; handlers registered on it see only that factory's sessions.
type EventDispatcher struct {
	mutex       sync.RWMutex
	handlerList map[Event][]EventHandler
}

// NewEventDispatcher creates an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{handlerList: make(map[Event][]EventHandler)}
}

// On registers an EventHandler for a specific Event.
//
// Example:
//
//	factory.Events().On(core.EventInsert, func(p core.EventPayload) {
//	    log.Printf("%s inserted: %+v", p.EntityName, p.Entity)
//	})
func (d *EventDispatcher) On(event Event, handler EventHandler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.handlerList[event] = append(d.handlerList[event], handler)
}

// Emit triggers all registered handlers for the given Event.
//
// Handlers are executed asynchronously in separate goroutines so a slow
// listener never stalls the session's connection.
func (d *EventDispatcher) Emit(event Event, payload EventPayload) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for _, handler := range d.handlerList[event] {
		go handler(payload)
	}
}
