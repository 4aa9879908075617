package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leandroluk/nereid/core"
)

func TestDialectPlaceholdersArePositional(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "?", d.Placeholder(1))
	assert.Equal(t, "?", d.Placeholder(7))
}

func TestDialectLimitAndOffset(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "SELECT 1 LIMIT 10", d.Limit("SELECT 1", 10, 0))
	assert.Equal(t, "SELECT 1 LIMIT 10 OFFSET 20", d.Limit("SELECT 1", 10, 20))
	assert.Equal(t, "SELECT 1 LIMIT -1 OFFSET 20", d.Limit("SELECT 1", 0, 20),
		"a bare offset needs an unbounded limit")
	assert.Equal(t, "SELECT 1", d.Limit("SELECT 1", 0, 0))
}

func TestDialectHasNoSequences(t *testing.T) {
	assert.Equal(t, "", Dialect{}.SequenceNextValues("any_seq", 10))
}

func TestDialectHasNoRowLocks(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "", d.LockClause(core.LockRead))
	assert.Equal(t, "", d.LockClause(core.LockWrite))
}

func TestDialectIdentityUsesLastInsertID(t *testing.T) {
	assert.Equal(t, core.IdentityLastInsertID, Dialect{}.IdentityStrategy())
}
