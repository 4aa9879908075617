// Package sqlite implements the nereid backend contracts over database/sql
// with the modernc.org/sqlite driver. This file translates SQLite failures
// into the core error taxonomy. modernc.org/sqlite surfaces result codes
// only through error strings, so classification is textual.
package sqlite

import (
	"strings"

	"github.com/leandroluk/nereid/core"
)

// translateError maps a SQLite failure to the core taxonomy.
func translateError(err error, sql string) error {
	if err == nil {
		return nil
	}
	message := err.Error()
	base := core.DatabaseError{SQL: sql, Cause: err}
	switch {
	case strings.Contains(message, "UNIQUE constraint failed"):
		return &core.ConstraintViolationError{DatabaseError: base, Kind: core.ConstraintUnique, Constraint: constraintName(message)}
	case strings.Contains(message, "FOREIGN KEY constraint failed"):
		return &core.ConstraintViolationError{DatabaseError: base, Kind: core.ConstraintForeignKey}
	case strings.Contains(message, "NOT NULL constraint failed"):
		return &core.ConstraintViolationError{DatabaseError: base, Kind: core.ConstraintNotNull, Constraint: constraintName(message)}
	case strings.Contains(message, "CHECK constraint failed"):
		return &core.ConstraintViolationError{DatabaseError: base, Kind: core.ConstraintCheck, Constraint: constraintName(message)}
	case strings.Contains(message, "constraint failed"):
		return &core.ConstraintViolationError{DatabaseError: base, Kind: core.ConstraintOther}
	}
	return &base
}

// constraintName extracts the "table.column" suffix SQLite appends to
// constraint messages, when present.
func constraintName(message string) string {
	index := strings.LastIndex(message, "failed: ")
	if index < 0 {
		return ""
	}
	return strings.TrimSpace(message[index+len("failed: "):])
}

// fatalError reports whether the failure broke the connection itself.
// SQLite is in-process; only interface-level failures poison a connection.
func fatalError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "database is closed") ||
		strings.Contains(message, "bad connection") ||
		strings.Contains(message, "disk I/O error")
}
