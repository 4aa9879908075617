// Package core implements the reactive persistence engine of nereid: entity
// metadata, persisters, loaders, the persistence context, the action queue,
// and the session that coordinates them over a non-blocking connection.
// This file defines the database error taxonomy surfaced by failed stages.
package core

import (
	"errors"
	"fmt"
)

// ConstraintKind classifies which class of schema constraint rejected a
// mutation.
type ConstraintKind string

const (
	// ConstraintUnique indicates a unique or primary-key violation.
	ConstraintUnique ConstraintKind = "unique"
	// ConstraintForeignKey indicates a foreign-key violation.
	ConstraintForeignKey ConstraintKind = "foreign_key"
	// ConstraintCheck indicates a check-constraint violation.
	ConstraintCheck ConstraintKind = "check"
	// ConstraintNotNull indicates a not-null violation.
	ConstraintNotNull ConstraintKind = "not_null"
	// ConstraintOther covers constraint classes the driver could not refine.
	ConstraintOther ConstraintKind = "other"
)

// DatabaseError is the base kind wrapping any driver-reported failure, so
// callers can handle every database error through one hierarchy with
// errors.As. Drivers attach the statement that failed.
type DatabaseError struct {
	SQL   string
	Cause error
}

func (e *DatabaseError) Error() string {
	if e.SQL != "" {
		return fmt.Sprintf("database error executing %q: %v", e.SQL, e.Cause)
	}
	return fmt.Sprintf("database error: %v", e.Cause)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// ConstraintViolationError indicates a unique/foreign-key/check/not-null
// constraint rejected a mutation. It carries the originating driver error.
type ConstraintViolationError struct {
	DatabaseError
	Kind       ConstraintKind
	Constraint string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("%s constraint %q violated: %v", e.Kind, e.Constraint, e.Cause)
}

// StaleStateError indicates an optimistic-lock conflict: an update or delete
// affected zero rows when exactly one was expected, because a concurrent
// transaction changed the version (or removed the row).
type StaleStateError struct {
	EntityName string
	ID         any
	Expected   int64
	Actual     int64
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state for %s#%v: expected %d affected row(s), got %d",
		e.EntityName, e.ID, e.Expected, e.Actual)
}

// LazyInitializationError indicates an attempt to read a lazy association
// outside the owning session, or without forcing it through Session.Fetch.
// A non-blocking engine cannot materialize an association transparently, so
// the access fails immediately instead of blocking or returning nil.
type LazyInitializationError struct {
	EntityName string
	FieldName  string
	Reason     string
}

func (e *LazyInitializationError) Error() string {
	return fmt.Sprintf("lazy association %s.%s is not initialized: %s (use Session.Fetch)",
		e.EntityName, e.FieldName, e.Reason)
}

// SessionError indicates misuse of the session API itself: operating on a
// closed session, nesting transactions, or driving one session from two
// goroutines with the concurrency guard enabled.
type SessionError struct {
	Reason string
}

func (e *SessionError) Error() string {
	return "session error: " + e.Reason
}

// NonUniqueObjectError indicates a second, distinct instance was registered
// for an entity key already bound to a managed instance. A persistence
// context holds at most one managed instance per key.
type NonUniqueObjectError struct {
	EntityName string
	ID         any
}

func (e *NonUniqueObjectError) Error() string {
	return fmt.Sprintf("a different instance of %s#%v is already managed by this session",
		e.EntityName, e.ID)
}

// IsConstraintViolation reports whether err wraps a ConstraintViolationError.
func IsConstraintViolation(err error) bool {
	var target *ConstraintViolationError
	return errors.As(err, &target)
}

// IsStaleState reports whether err wraps a StaleStateError.
func IsStaleState(err error) bool {
	var target *StaleStateError
	return errors.As(err, &target)
}

// IsLazyInitialization reports whether err wraps a LazyInitializationError.
func IsLazyInitialization(err error) bool {
	var target *LazyInitializationError
	return errors.As(err, &target)
}
