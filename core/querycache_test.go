package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryCachePutAndGet(t *testing.T) {
	cache := NewMemoryQueryCache(0)
	stmt := Statement{SQL: `SELECT "id" FROM "notes"`, Args: []any{int64(1)}}

	_, ok := cache.Get(stmt)
	assert.False(t, ok)

	cache.Put(stmt, rowsOf([]string{"id"}, map[string]any{"id": int64(1)}), []string{"notes"})
	rows, ok := cache.Get(stmt)
	require.True(t, ok)
	assert.Equal(t, 1, rows.Len())
}

func TestQueryCacheKeyIsArgSensitive(t *testing.T) {
	cache := NewMemoryQueryCache(0)
	stmt := Statement{SQL: `SELECT "id" FROM "notes" WHERE "id" = ?`, Args: []any{int64(1)}}
	cache.Put(stmt, rowsOf([]string{"id"}, map[string]any{"id": int64(1)}), []string{"notes"})

	_, ok := cache.Get(Statement{SQL: stmt.SQL, Args: []any{int64(2)}})
	assert.False(t, ok, "different arguments must miss")

	_, ok = cache.Get(stmt)
	assert.True(t, ok)
}

func TestQueryCacheKeyNormalizesIntegerWidths(t *testing.T) {
	cache := NewMemoryQueryCache(0)
	stmt := Statement{SQL: `SELECT "id" FROM "notes" WHERE "id" = ?`, Args: []any{int64(1)}}
	cache.Put(stmt, rowsOf([]string{"id"}, map[string]any{"id": int64(1)}), []string{"notes"})

	_, ok := cache.Get(Statement{SQL: stmt.SQL, Args: []any{int(1)}})
	assert.True(t, ok, "int and int64 keys collapse to the same region")
}

func TestQueryCacheExpiresEntries(t *testing.T) {
	cache := NewMemoryQueryCache(time.Millisecond)
	stmt := Statement{SQL: `SELECT "id" FROM "notes"`}
	cache.Put(stmt, rowsOf([]string{"id"}), []string{"notes"})

	time.Sleep(5 * time.Millisecond)
	_, ok := cache.Get(stmt)
	assert.False(t, ok)
}

func TestQueryCacheInvalidatesByTable(t *testing.T) {
	cache := NewMemoryQueryCache(0)
	noteStmt := Statement{SQL: `SELECT "id" FROM "notes"`}
	joined := Statement{SQL: `SELECT "id" FROM "notes", "tags"`}
	tagStmt := Statement{SQL: `SELECT "id" FROM "tags"`}
	cache.Put(noteStmt, rowsOf([]string{"id"}), []string{"notes"})
	cache.Put(joined, rowsOf([]string{"id"}), []string{"notes", "tags"})
	cache.Put(tagStmt, rowsOf([]string{"id"}), []string{"tags"})

	cache.InvalidateTables("notes")

	_, ok := cache.Get(noteStmt)
	assert.False(t, ok)
	_, ok = cache.Get(joined)
	assert.False(t, ok, "entries reading any invalidated table are dropped")
	_, ok = cache.Get(tagStmt)
	assert.True(t, ok, "unrelated tables keep their regions")
}
