// Package postgres implements the nereid backend contracts over pgx and
// pgxpool.
package postgres

import (
	"fmt"

	"github.com/leandroluk/nereid/core"
)

// Dialect renders PostgreSQL SQL: $n placeholders, RETURNING for identity
// columns, native sequences, and FOR SHARE / FOR UPDATE row locks.
type Dialect struct{}

var _ core.Dialect = (*Dialect)(nil)

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder(index int) string { return fmt.Sprintf("$%d", index) }

func (Dialect) QuoteIdentifier(name string) string { return core.AnsiQuote(name) }

func (Dialect) InsertDefaultValues(table string) string {
	return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", table)
}

func (Dialect) SequenceNextValues(sequence string, n int) string {
	return fmt.Sprintf("SELECT nextval('%s') FROM generate_series(1, %d)", sequence, n)
}

func (Dialect) IdentityStrategy() core.IdentityStrategy { return core.IdentityReturning }

func (Dialect) Limit(sql string, limit, offset int) string {
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", offset)
	}
	return sql
}

func (Dialect) LockClause(mode core.LockMode) string {
	switch mode {
	case core.LockRead:
		return "FOR SHARE"
	case core.LockWrite, core.LockForceIncrement:
		return "FOR UPDATE"
	}
	return ""
}
