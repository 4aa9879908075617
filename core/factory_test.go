package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFactoryRejectsUnregisteredAssociationTarget(t *testing.T) {
	authorSchema := Schema[testAuthor](Table[testAuthor]("authors"), EntityName[testAuthor]("Author"))
	bookSchema := Schema[testBook](Table[testBook]("books"), EntityName[testBook]("Book"))
	BelongsTo(bookSchema, func(b *testBook) *Ref[testAuthor] { return &b.Author },
		authorSchema, "author_id")

	_, err := NewFactory(testDialect{}, &stubPool{conn: &stubConn{}}, WithSchema(bookSchema))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered entity Author")
}

func TestNewFactoryRejectsDatabaseGeneratorWithoutSequenceName(t *testing.T) {
	schema := Schema[testEvent](
		Table[testEvent]("events"),
		EntityName[testEvent]("Event"),
		OverrideField(func(e *testEvent) *int64 { return &e.ID }, Generated(GenerateSequence)),
	)
	_, err := NewFactory(testDialect{}, &stubPool{conn: &stubConn{}}, WithSchema(schema))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "names no sequence or table")
}

func TestFactorySharesIdentifierBlocksAcrossSessions(t *testing.T) {
	schema := Schema[testEvent](
		Table[testEvent]("events"),
		EntityName[testEvent]("Event"),
		OverrideField(func(e *testEvent) *int64 { return &e.ID }, SequenceGenerated("events_seq", 2)),
	)
	env, err := newGeneratorEnv(schema)
	require.NoError(t, err)
	next := int64(0)
	env.conn.selectFn = func(string, []any) (Rows, error) {
		first := map[string]any{"next": next + 1}
		second := map[string]any{"next": next + 2}
		next += 2
		return rowsOf([]string{"next"}, first, second), nil
	}
	ctx := context.Background()

	first, err := env.factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)
	second, err := env.factory.OpenSession(ctx).Await(ctx)
	require.NoError(t, err)

	one := &testEvent{Name: "boot"}
	two := &testEvent{Name: "ready"}
	await(t, first.Persist(ctx, "Event", one))
	await(t, second.Persist(ctx, "Event", two))

	assert.Equal(t, int64(1), one.ID)
	assert.Equal(t, int64(2), two.ID, "the second session draws from the first session's block")
	assert.Len(t, env.conn.recorded("events_seq"), 1)
}

func TestFactoryCloseShutsPoolDown(t *testing.T) {
	pool := &stubPool{conn: &stubConn{}}
	factory, err := NewFactory(testDialect{}, pool)
	require.NoError(t, err)

	factory.Close()
	assert.True(t, pool.closed)
}
