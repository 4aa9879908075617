package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leandroluk/nereid/core"
	"github.com/leandroluk/nereid/stage"
)

type song struct {
	ID    int64  `db:"id"`
	Title string `db:"title"`
}

func songSchema() *core.SchemaMeta[song] {
	return core.Schema[song](
		core.Table[song]("songs"),
		core.EntityName[song]("Song"),
		core.OverrideField(func(s *song) *int64 { return &s.ID }, core.Generated(core.GenerateIdentity)),
	)
}

// openEngine builds a factory over a shared in-memory database and creates
// the songs table. The dsn name isolates tests from each other.
func openEngine(t *testing.T, name string) (*core.Factory, *core.Model[song]) {
	t.Helper()
	pool, err := NewPool("file:"+name+"?mode=memory&cache=shared", 1)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	ctx := context.Background()
	conn, err := pool.Acquire(ctx).Await(ctx)
	require.NoError(t, err)
	_, err = conn.Update(ctx, "CREATE TABLE songs (id INTEGER PRIMARY KEY, title TEXT NOT NULL UNIQUE)", nil).Await(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Release(ctx))

	schema := songSchema()
	factory, err := core.NewFactory(Dialect{}, pool, core.WithSchema(schema))
	require.NoError(t, err)
	return factory, core.NewModel(schema, factory)
}

func TestPersistAndReadBackWithGeneratedID(t *testing.T) {
	factory, model := openEngine(t, "roundtrip")
	ctx := context.Background()

	session, err := factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)
	first := &song{Title: "Holland, 1945"}
	second := &song{Title: "Two-Headed Boy"}
	_, err = model.Persist(ctx, session, first).Await(ctx)
	require.NoError(t, err)
	_, err = model.Persist(ctx, session, second).Await(ctx)
	require.NoError(t, err)
	_, err = session.Flush(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID, "sqlite assigns rowids from 1")
	assert.Equal(t, int64(2), second.ID)
	require.NoError(t, session.Close(ctx))

	fresh, err := factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)
	defer fresh.Close(ctx)
	loaded, err := model.Find(ctx, fresh, int64(1)).Await(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "Holland, 1945", loaded.Title)
}

func TestUniqueConstraintSurfacesViolation(t *testing.T) {
	factory, model := openEngine(t, "unique")
	ctx := context.Background()

	session, err := factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)
	defer session.Close(ctx)

	_, err = model.Persist(ctx, session, &song{Title: "Oh Comely"}).Await(ctx)
	require.NoError(t, err)
	_, err = session.Flush(ctx).Await(ctx)
	require.NoError(t, err)

	_, err = model.Persist(ctx, session, &song{Title: "Oh Comely"}).Await(ctx)
	require.NoError(t, err)
	_, err = session.Flush(ctx).Await(ctx)
	require.Error(t, err)
	assert.True(t, core.IsConstraintViolation(err))

	var violation *core.ConstraintViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, core.ConstraintUnique, violation.Kind)
}

func TestTransactionRollbackDiscardsFlushedWork(t *testing.T) {
	factory, model := openEngine(t, "rollback")
	ctx := context.Background()

	session, err := factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)
	defer session.Close(ctx)

	boom := assert.AnError
	_, err = session.WithTransaction(ctx, func(ctx context.Context) *stage.Stage[any] {
		persisted := model.Persist(ctx, session, &song{Title: "Ghost"})
		flushed := stage.Compose(persisted, func(stage.Unit) *stage.Stage[stage.Unit] {
			return session.Flush(ctx)
		})
		return stage.Compose(flushed, func(stage.Unit) *stage.Stage[any] {
			return stage.Failed[any](boom)
		})
	}).Await(ctx)
	assert.ErrorIs(t, err, boom)

	count, err := model.Count(ctx, session, nil).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "the rollback reverts the flushed insert")
}

func TestTransactionCommitPersistsAcrossSessions(t *testing.T) {
	factory, model := openEngine(t, "commit")
	ctx := context.Background()

	_, err := core.RunInTransaction(ctx, factory, func(ctx context.Context) *stage.Stage[any] {
		persisted := core.SessionFrom(ctx).Persist(ctx, "Song", &song{Title: "Naomi"})
		return stage.Then(persisted, func(stage.Unit) (any, error) { return nil, nil })
	}).Await(ctx)
	require.NoError(t, err)

	session, err := factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)
	defer session.Close(ctx)
	count, err := model.Count(ctx, session, nil).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
