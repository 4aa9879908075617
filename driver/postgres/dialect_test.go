package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leandroluk/nereid/core"
)

func TestDialectPlaceholdersAreNumbered(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "$1", d.Placeholder(1))
	assert.Equal(t, "$12", d.Placeholder(12))
}

func TestDialectQuotesIdentifiers(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, `"users"`, d.QuoteIdentifier("users"))
	assert.Equal(t, `"with""quote"`, d.QuoteIdentifier(`with"quote`))
}

func TestDialectLimitAndOffset(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "SELECT 1 LIMIT 10", d.Limit("SELECT 1", 10, 0))
	assert.Equal(t, "SELECT 1 LIMIT 10 OFFSET 20", d.Limit("SELECT 1", 10, 20))
	assert.Equal(t, "SELECT 1 OFFSET 20", d.Limit("SELECT 1", 0, 20))
	assert.Equal(t, "SELECT 1", d.Limit("SELECT 1", 0, 0))
}

func TestDialectSequenceBlockQuery(t *testing.T) {
	d := Dialect{}
	assert.Equal(t,
		"SELECT nextval('users_id_seq') FROM generate_series(1, 50)",
		d.SequenceNextValues("users_id_seq", 50))
}

func TestDialectLockClauses(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "FOR SHARE", d.LockClause(core.LockRead))
	assert.Equal(t, "FOR UPDATE", d.LockClause(core.LockWrite))
	assert.Equal(t, "FOR UPDATE", d.LockClause(core.LockForceIncrement))
	assert.Equal(t, "", d.LockClause(core.LockNone))
}

func TestDialectIdentityUsesReturning(t *testing.T) {
	assert.Equal(t, core.IdentityReturning, Dialect{}.IdentityStrategy())
}
