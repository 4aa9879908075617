// Package core implements the reactive persistence engine of nereid.
// This file defines the dialect contract: the database-specific SQL
// rendering rules the persister and loader layers consume when building
// statements. Placeholder style and identity handling are resolved once at
// factory boot, never per call.
package core

import (
	"fmt"
	"strings"
)

// IdentityStrategy describes how a dialect returns database-assigned
// identifiers for inserted rows.
type IdentityStrategy int

const (
	// IdentityReturning appends a RETURNING clause to the INSERT and reads
	// the identifier from the result row (Postgres).
	IdentityReturning IdentityStrategy = iota
	// IdentityLastInsertID issues the INSERT and then asks the connection
	// for the last generated identifier (SQLite).
	IdentityLastInsertID
)

// Dialect supplies the database-specific SQL rendering rules consumed when
// building statements. Implementations live in the driver packages and are
// stateless; one instance is shared by every session of a factory.
type Dialect interface {
	// Name identifies the dialect ("postgres", "sqlite").
	Name() string

	// Placeholder renders the bind-variable marker for the 1-based
	// positional parameter index ("$3" or "?").
	Placeholder(index int) string

	// QuoteIdentifier quotes a table or column name.
	QuoteIdentifier(name string) string

	// InsertDefaultValues renders a zero-column insert for the table, or
	// returns "" when the dialect has no such syntax.
	InsertDefaultValues(table string) string

	// SequenceNextValues renders a statement producing the next n values of
	// the named sequence as rows, or returns "" when the dialect does not
	// support sequences.
	SequenceNextValues(sequence string, n int) string

	// IdentityStrategy reports how database-assigned identifiers are
	// retrieved after an insert.
	IdentityStrategy() IdentityStrategy

	// Limit appends the dialect's row-limiting clause to a SELECT.
	Limit(sql string, limit, offset int) string

	// LockClause renders the row-locking suffix for a SELECT under the
	// given lock mode, or "" when the dialect cannot lock rows (the caller
	// then relies on the surrounding transaction).
	LockClause(mode LockMode) string
}

// LockMode is the strength of a requested database-level lock.
type LockMode int

const (
	// LockNone requests no lock.
	LockNone LockMode = iota
	// LockRead requests a shared row lock.
	LockRead
	// LockWrite requests an exclusive row lock.
	LockWrite
	// LockForceIncrement requests an exclusive lock and increments the
	// entity's version even without state changes.
	LockForceIncrement
)

// QualifyTable renders the qualified, quoted table name for a schema and
// table pair using the given dialect.
func QualifyTable(dialect Dialect, database, table string) string {
	if database != "" {
		return dialect.QuoteIdentifier(database) + "." + dialect.QuoteIdentifier(table)
	}
	return dialect.QuoteIdentifier(table)
}

// PlaceholderList renders n consecutive placeholders starting at the given
// 1-based index, joined by ", ".
func PlaceholderList(dialect Dialect, start, n int) string {
	partList := make([]string, 0, n)
	for i := 0; i < n; i++ {
		partList = append(partList, dialect.Placeholder(start+i))
	}
	return strings.Join(partList, ", ")
}

// AnsiQuote is the shared identifier quoting used by the bundled dialects.
func AnsiQuote(name string) string {
	return fmt.Sprintf("%q", name)
}
