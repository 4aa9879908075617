// Package core implements the reactive persistence engine of nereid.
// This file defines the contracts for database backends: a pool that hands
// out exclusively-owned connections, and a connection that issues one
// parameterized SQL statement at a time, resolving with either a row set or
// an affected-row count as a stage. Drivers (driver/postgres, driver/sqlite)
// implement these contracts and translate backend failures into the core
// error taxonomy before failing the stage.
package core

import (
	"context"

	"github.com/leandroluk/nereid/stage"
)

// Rows is a fully materialized result set. Drivers materialize every row
// before resolving the select stage so the engine never holds a backend
// cursor across a suspension point.
type Rows interface {
	// Columns returns the column names in result order.
	Columns() []string
	// Len returns the number of rows.
	Len() int
	// Value returns the value at the given row for the named column, or nil
	// when the column is absent.
	Value(row int, column string) any
}

// Connection issues a single parameterized SQL statement and resolves with
// either a row set or an affected-row count. A connection is checked out of
// a Pool for the duration of one unit of work and must never be shared by
// two units of work; the owning session serializes every call.
type Connection interface {
	// Select executes a query and resolves with its materialized rows.
	Select(ctx context.Context, sql string, args []any) *stage.Stage[Rows]

	// Update executes a mutation and resolves with the affected-row count.
	Update(ctx context.Context, sql string, args []any) *stage.Stage[int64]

	// InsertReturning executes an insert and resolves with the
	// database-assigned identifier, using the dialect's identity strategy
	// (RETURNING clause or last-insert-id lookup).
	InsertReturning(ctx context.Context, sql string, args []any) *stage.Stage[any]

	// Begin starts a transaction on this connection.
	Begin(ctx context.Context) *stage.Stage[stage.Unit]
	// Commit finalizes the current transaction.
	Commit(ctx context.Context) *stage.Stage[stage.Unit]
	// Rollback reverts the current transaction.
	Rollback(ctx context.Context) *stage.Stage[stage.Unit]

	// Fatal reports whether a previous failure left the connection
	// unusable, in which case Release discards it instead of returning it
	// to the pool. The classification is driver-specific.
	Fatal() bool

	// Release returns the connection to its pool (or discards it when
	// Fatal). The connection must not be used afterwards.
	Release(ctx context.Context) error
}

// Pool checks out connections for units of work. Configuration (pool size,
// connect/idle timeouts, statement cache) is owned entirely by the driver.
type Pool interface {
	// Acquire resolves with a connection exclusively owned by the caller.
	Acquire(ctx context.Context) *stage.Stage[Connection]
	// Close releases the pool and every idle connection.
	Close() error
}

// MemoryRows is the Rows implementation shared by the bundled drivers and
// the test doubles: column names plus a slice of row maps.
type MemoryRows struct {
	ColumnList []string
	RowList    []map[string]any
}

// Columns returns the column names in result order.
func (r *MemoryRows) Columns() []string { return r.ColumnList }

// Len returns the number of rows.
func (r *MemoryRows) Len() int { return len(r.RowList) }

// Value returns the value at the given row for the named column.
func (r *MemoryRows) Value(row int, column string) any {
	if row < 0 || row >= len(r.RowList) {
		return nil
	}
	return r.RowList[row][column]
}
