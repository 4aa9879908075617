package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeSelectAssemblesManagedEntities(t *testing.T) {
	env, err := newNoteEnv()
	require.NoError(t, err)
	env.conn.selectFn = func(string, []any) (Rows, error) {
		return rowsOf(noteColumns, noteRow(1, "remember the milk")), nil
	}
	ctx := context.Background()
	session, err := env.factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)

	sql := `SELECT * FROM "notes" WHERE "body" LIKE ?`
	noteList := await(t, env.model.Native(sql, "%milk%").Select(ctx, session))
	require.Len(t, noteList, 1)
	assert.Equal(t, "remember the milk", noteList[0].Body)
	assert.True(t, session.Contains(noteList[0]), "native rows become managed instances")

	require.Len(t, env.conn.recordList, 1)
	assert.Equal(t, sql, env.conn.recordList[0].sql, "the statement runs verbatim")
	assert.Equal(t, []any{"%milk%"}, env.conn.recordList[0].args)
}

func TestNativeSelectOneReturnsFirstRowOrNil(t *testing.T) {
	env, err := newNoteEnv()
	require.NoError(t, err)
	env.conn.selectFn = func(string, []any) (Rows, error) {
		return rowsOf(noteColumns, noteRow(1, "first"), noteRow(2, "second")), nil
	}
	ctx := context.Background()
	session, err := env.factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)

	note := await(t, env.model.Native(`SELECT * FROM "notes"`).SelectOne(ctx, session))
	require.NotNil(t, note)
	assert.Equal(t, int64(1), note.ID)

	env.conn.selectFn = func(string, []any) (Rows, error) {
		return rowsOf(noteColumns), nil
	}
	missing := await(t, env.model.Native(`SELECT * FROM "notes" WHERE 1=0`).SelectOne(ctx, session))
	assert.Nil(t, missing)
}

func TestNativeCacheableSelectSkipsSecondRoundTrip(t *testing.T) {
	env, err := newNoteEnv(WithQueryCache(NewMemoryQueryCache(time.Minute)))
	require.NoError(t, err)
	env.conn.selectFn = func(string, []any) (Rows, error) {
		return rowsOf(noteColumns, noteRow(1, "remember the milk")), nil
	}
	ctx := context.Background()
	session, err := env.factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)

	sql := `SELECT * FROM "notes" WHERE "body" LIKE ?`
	first := await(t, env.model.Native(sql, "%milk%").Cacheable().Select(ctx, session))
	require.Len(t, first, 1)
	require.Len(t, env.conn.recordList, 1)

	second := await(t, env.model.Native(sql, "%milk%").Cacheable().Select(ctx, session))
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0], "cached rows re-assemble to the managed instance")
	assert.Len(t, env.conn.recordList, 1, "the cache hit issues no SQL")
}

func TestNativeUpdateInvalidatesCachedRegions(t *testing.T) {
	env, err := newNoteEnv(WithQueryCache(NewMemoryQueryCache(time.Minute)))
	require.NoError(t, err)
	env.conn.selectFn = func(string, []any) (Rows, error) {
		return rowsOf(noteColumns, noteRow(1, "remember the milk")), nil
	}
	ctx := context.Background()
	session, err := env.factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)

	await(t, env.model.Native(`SELECT * FROM "notes"`).Cacheable().Select(ctx, session))
	require.Len(t, env.conn.recorded(`FROM "notes"`), 1)

	affected := await(t, env.model.
		Native(`UPDATE "notes" SET "body" = ? WHERE "id" = ?`, "done", int64(1)).
		Update(ctx, session))
	assert.Equal(t, int64(1), affected)

	await(t, env.model.Native(`SELECT * FROM "notes"`).Cacheable().Select(ctx, session))
	assert.Len(t, env.conn.recorded(`FROM "notes"`), 2, "the mutation drops the cached regions")
}
