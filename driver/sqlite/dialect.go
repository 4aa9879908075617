// Package sqlite implements the nereid backend contracts over database/sql
// with the modernc.org/sqlite driver.
package sqlite

import (
	"fmt"

	"github.com/leandroluk/nereid/core"
)

// Dialect renders SQLite SQL: ? placeholders, last_insert_rowid() for
// identity columns, DEFAULT VALUES inserts, no sequences, no row locks
// (SQLite locks at database granularity through its transaction).
type Dialect struct{}

var _ core.Dialect = (*Dialect)(nil)

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) QuoteIdentifier(name string) string { return core.AnsiQuote(name) }

func (Dialect) InsertDefaultValues(table string) string {
	return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", table)
}

func (Dialect) SequenceNextValues(string, int) string { return "" }

func (Dialect) IdentityStrategy() core.IdentityStrategy { return core.IdentityLastInsertID }

func (Dialect) Limit(sql string, limit, offset int) string {
	switch {
	case limit > 0:
		sql += fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		// SQLite requires a LIMIT before OFFSET.
		sql += " LIMIT -1"
	}
	if offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", offset)
	}
	return sql
}

func (Dialect) LockClause(core.LockMode) string { return "" }
