package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leandroluk/nereid/stage"
)

// await settles a stage that must succeed and returns its value.
func await[T any](t *testing.T, s *stage.Stage[T]) T {
	t.Helper()
	value, err := s.Await(context.Background())
	require.NoError(t, err)
	return value
}

// awaitErr settles a stage that must fail and returns its error.
func awaitErr[T any](t *testing.T, s *stage.Stage[T]) error {
	t.Helper()
	_, err := s.Await(context.Background())
	require.Error(t, err)
	return err
}

// testDialect is a minimal ANSI dialect for exercising the engine without
// a database: ? placeholders, RETURNING-style identity retrieval.
type testDialect struct{}

var _ Dialect = testDialect{}

func (testDialect) Name() string                  { return "test" }
func (testDialect) Placeholder(int) string        { return "?" }
func (testDialect) QuoteIdentifier(n string) string { return AnsiQuote(n) }
func (testDialect) InsertDefaultValues(table string) string {
	return "INSERT INTO " + table + " DEFAULT VALUES"
}
func (testDialect) SequenceNextValues(sequence string, n int) string {
	return fmt.Sprintf("SELECT next FROM %s LIMIT %d", sequence, n)
}
func (testDialect) IdentityStrategy() IdentityStrategy { return IdentityReturning }
func (testDialect) Limit(sql string, limit, offset int) string {
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", offset)
	}
	return sql
}
func (testDialect) LockClause(mode LockMode) string {
	switch mode {
	case LockRead:
		return "FOR SHARE"
	case LockWrite, LockForceIncrement:
		return "FOR UPDATE"
	default:
		return ""
	}
}

// execRecord is one statement the stub connection saw.
type execRecord struct {
	kind StatementKind
	sql  string
	args []any
}

// stubConn is a scripted Connection: tests install response functions and
// inspect the recorded statements afterwards. Every stage settles
// synchronously.
type stubConn struct {
	mu         sync.Mutex
	recordList []execRecord

	// selectStageFn takes precedence over selectFn and may return a
	// pending stage, letting a test hold a statement open.
	selectStageFn func(sql string, args []any) *stage.Stage[Rows]

	selectFn func(sql string, args []any) (Rows, error)
	updateFn func(sql string, args []any) (int64, error)
	insertFn func(sql string, args []any) (any, error)

	beginErr  error
	commitErr error

	beginCount    int
	commitCount   int
	rollbackCount int

	fatal    bool
	released bool
}

var _ Connection = (*stubConn)(nil)

func (c *stubConn) record(kind StatementKind, sql string, args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordList = append(c.recordList, execRecord{kind: kind, sql: sql, args: args})
}

// recorded returns the SQL of every statement whose text contains the
// given substring, in execution order.
func (c *stubConn) recorded(substring string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	matchList := []string{}
	for _, rec := range c.recordList {
		if strings.Contains(rec.sql, substring) {
			matchList = append(matchList, rec.sql)
		}
	}
	return matchList
}

// statementCount reports how many statements the connection has seen.
func (c *stubConn) statementCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recordList)
}

func (c *stubConn) Select(_ context.Context, sql string, args []any) *stage.Stage[Rows] {
	c.record(StatementSelect, sql, args)
	if c.selectStageFn != nil {
		return c.selectStageFn(sql, args)
	}
	if c.selectFn == nil {
		return stage.Of[Rows](&MemoryRows{})
	}
	rows, err := c.selectFn(sql, args)
	if err != nil {
		return stage.Failed[Rows](err)
	}
	return stage.Of(rows)
}

func (c *stubConn) Update(_ context.Context, sql string, args []any) *stage.Stage[int64] {
	c.record(StatementUpdate, sql, args)
	if c.updateFn == nil {
		return stage.Of[int64](1)
	}
	affected, err := c.updateFn(sql, args)
	if err != nil {
		return stage.Failed[int64](err)
	}
	return stage.Of(affected)
}

func (c *stubConn) InsertReturning(_ context.Context, sql string, args []any) *stage.Stage[any] {
	c.record(StatementInsertReturning, sql, args)
	if c.insertFn == nil {
		return stage.Of[any](int64(1))
	}
	id, err := c.insertFn(sql, args)
	if err != nil {
		return stage.Failed[any](err)
	}
	return stage.Of(id)
}

func (c *stubConn) Begin(context.Context) *stage.Stage[stage.Unit] {
	c.beginCount++
	if c.beginErr != nil {
		return stage.Failed[stage.Unit](c.beginErr)
	}
	return stage.Of(stage.Unit{})
}

func (c *stubConn) Commit(context.Context) *stage.Stage[stage.Unit] {
	c.commitCount++
	if c.commitErr != nil {
		return stage.Failed[stage.Unit](c.commitErr)
	}
	return stage.Of(stage.Unit{})
}

func (c *stubConn) Rollback(context.Context) *stage.Stage[stage.Unit] {
	c.rollbackCount++
	return stage.Of(stage.Unit{})
}

func (c *stubConn) Fatal() bool { return c.fatal }

func (c *stubConn) Release(context.Context) error {
	c.released = true
	return nil
}

// stubPool hands out a single scripted connection.
type stubPool struct {
	conn   *stubConn
	closed bool
}

var _ Pool = (*stubPool)(nil)

func (p *stubPool) Acquire(context.Context) *stage.Stage[Connection] {
	return stage.Of[Connection](p.conn)
}

func (p *stubPool) Close() error {
	p.closed = true
	return nil
}

// rowsOf builds a materialized row set from column names and row maps.
func rowsOf(columnList []string, rowList ...map[string]any) *MemoryRows {
	return &MemoryRows{ColumnList: columnList, RowList: rowList}
}

// Fixture entities: a writer owning an ordered shelf of works.

type testAuthor struct {
	ID      int64  `db:"id"`
	Name    string `db:"name"`
	Version int64  `db:"version"`
	Books   List[testBook]
}

type testBook struct {
	ID     int64  `db:"id"`
	Title  string `db:"title"`
	Author Ref[testAuthor]
}

var (
	authorColumns = []string{"id", "name", "version"}
	bookColumns   = []string{"id", "title", "author_id"}
)

func authorRow(id int64, name string, version int64) map[string]any {
	return map[string]any{"id": id, "name": name, "version": version}
}

func bookRow(id int64, title string, authorID any) map[string]any {
	return map[string]any{"id": id, "title": title, "author_id": authorID}
}

// testEnv wires fresh schemas, a stub pool, and a factory for one test.
type testEnv struct {
	conn         *stubConn
	pool         *stubPool
	factory      *Factory
	authorSchema *SchemaMeta[testAuthor]
	bookSchema   *SchemaMeta[testBook]
	authorModel  *Model[testAuthor]
	bookModel    *Model[testBook]
}

func newTestEnv(options ...FactoryOption) (*testEnv, error) {
	authorSchema := Schema[testAuthor](
		Table[testAuthor]("authors"),
		EntityName[testAuthor]("Author"),
		BatchSize[testAuthor](2),
		PadBatches[testAuthor](),
		OverrideField(func(a *testAuthor) *int64 { return &a.Version }, Versioned()),
	)
	bookSchema := Schema[testBook](
		Table[testBook]("books"),
		EntityName[testBook]("Book"),
	)
	BelongsTo(bookSchema, func(b *testBook) *Ref[testAuthor] { return &b.Author },
		authorSchema, "author_id", Cascade(CascadePersist))
	HasMany(authorSchema, func(a *testAuthor) *List[testBook] { return &a.Books },
		bookSchema, "author_id", Cascade(CascadePersist|CascadeRemove|CascadeDetach|CascadeLock))

	conn := &stubConn{}
	pool := &stubPool{conn: conn}
	factoryOptions := append([]FactoryOption{
		WithSchema(authorSchema),
		WithSchema(bookSchema),
	}, options...)
	factory, err := NewFactory(testDialect{}, pool, factoryOptions...)
	if err != nil {
		return nil, err
	}
	return &testEnv{
		conn:         conn,
		pool:         pool,
		factory:      factory,
		authorSchema: authorSchema,
		bookSchema:   bookSchema,
		authorModel:  NewModel(authorSchema, factory),
		bookModel:    NewModel(bookSchema, factory),
	}, nil
}

// openSession opens a session on the stub pool; the stages settle
// synchronously so Await never blocks.
func (e *testEnv) openSession(ctx context.Context) (*Session, error) {
	return e.factory.OpenSession(ctx).Await(ctx)
}
