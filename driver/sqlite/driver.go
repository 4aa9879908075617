// Package sqlite implements the nereid backend contracts over database/sql
// with the modernc.org/sqlite driver. Each acquired Connection pins one
// dedicated *sql.Conn so the single-owner contract holds even though
// database/sql normally multiplexes; a weighted semaphore caps how many
// connections are pinned at once, which matters for in-memory databases
// where every connection sees the same serialized file.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/leandroluk/nereid/core"
	"github.com/leandroluk/nereid/stage"
	"golang.org/x/sync/semaphore"

	_ "modernc.org/sqlite" // database/sql driver registration
)

// Pool hands out pinned connections over one *sql.DB.
type Pool struct {
	db  *sql.DB
	sem *semaphore.Weighted
}

var _ core.Pool = (*Pool)(nil)

// NewPool opens a SQLite database. Use "file:name?mode=memory&cache=shared"
// for a shared in-memory database. maxConns caps concurrently pinned
// connections; values below 1 mean 1.
func NewPool(dsn string, maxConns int) (*Pool, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if maxConns < 1 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &Pool{db: db, sem: semaphore.NewWeighted(int64(maxConns))}, nil
}

// Acquire pins a dedicated connection, waiting for semaphore capacity.
func (p *Pool) Acquire(ctx context.Context) *stage.Stage[core.Connection] {
	result := stage.New[core.Connection]()
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			result.Fail(err)
			return
		}
		pinned, err := p.db.Conn(ctx)
		if err != nil {
			p.sem.Release(1)
			result.Fail(&core.DatabaseError{SQL: "", Cause: err})
			return
		}
		if _, err := pinned.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			pinned.Close()
			p.sem.Release(1)
			result.Fail(translateError(err, "PRAGMA foreign_keys = ON"))
			return
		}
		result.Complete(&connection{pinned: pinned, pool: p})
	}()
	return result
}

// Close releases the underlying database handle.
func (p *Pool) Close() error {
	return p.db.Close()
}

// connection adapts one pinned *sql.Conn. The owning session serializes
// all calls; no internal locking is needed.
type connection struct {
	pinned   *sql.Conn
	pool     *Pool
	tx       *sql.Tx
	fatal    bool
	released bool
}

var _ core.Connection = (*connection)(nil)

func (c *connection) fail(err error, sql string) error {
	if fatalError(err) {
		c.fatal = true
	}
	return translateError(err, sql)
}

func (c *connection) queryRows(ctx context.Context, sqlText string, args []any) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, sqlText, args...)
	}
	return c.pinned.QueryContext(ctx, sqlText, args...)
}

func (c *connection) execStmt(ctx context.Context, sqlText string, args []any) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.ExecContext(ctx, sqlText, args...)
	}
	return c.pinned.ExecContext(ctx, sqlText, args...)
}

// Select executes a query and materializes every row before resolving the
// stage.
func (c *connection) Select(ctx context.Context, sqlText string, args []any) *stage.Stage[core.Rows] {
	result := stage.New[core.Rows]()
	go func() {
		rowList, err := c.queryRows(ctx, sqlText, args)
		if err != nil {
			result.Fail(c.fail(err, sqlText))
			return
		}
		defer rowList.Close()

		columnList, err := rowList.Columns()
		if err != nil {
			result.Fail(c.fail(err, sqlText))
			return
		}
		rows := &core.MemoryRows{ColumnList: columnList}
		holderList := make([]any, len(columnList))
		for rowList.Next() {
			for index := range holderList {
				holderList[index] = new(any)
			}
			if err := rowList.Scan(holderList...); err != nil {
				result.Fail(c.fail(err, sqlText))
				return
			}
			rowMap := make(map[string]any, len(columnList))
			for index, column := range columnList {
				rowMap[column] = *(holderList[index].(*any))
			}
			rows.RowList = append(rows.RowList, rowMap)
		}
		if err := rowList.Err(); err != nil {
			result.Fail(c.fail(err, sqlText))
			return
		}
		result.Complete(rows)
	}()
	return result
}

// Update executes a mutation and resolves with the affected-row count.
func (c *connection) Update(ctx context.Context, sqlText string, args []any) *stage.Stage[int64] {
	result := stage.New[int64]()
	go func() {
		execResult, err := c.execStmt(ctx, sqlText, args)
		if err != nil {
			result.Fail(c.fail(err, sqlText))
			return
		}
		affected, err := execResult.RowsAffected()
		if err != nil {
			result.Fail(c.fail(err, sqlText))
			return
		}
		result.Complete(affected)
	}()
	return result
}

// InsertReturning executes an insert and resolves with the rowid SQLite
// assigned to it.
func (c *connection) InsertReturning(ctx context.Context, sqlText string, args []any) *stage.Stage[any] {
	result := stage.New[any]()
	go func() {
		execResult, err := c.execStmt(ctx, sqlText, args)
		if err != nil {
			result.Fail(c.fail(err, sqlText))
			return
		}
		id, err := execResult.LastInsertId()
		if err != nil {
			result.Fail(c.fail(err, sqlText))
			return
		}
		result.Complete(any(id))
	}()
	return result
}

// Begin starts a transaction on this connection.
func (c *connection) Begin(ctx context.Context) *stage.Stage[stage.Unit] {
	result := stage.New[stage.Unit]()
	go func() {
		tx, err := c.pinned.BeginTx(ctx, nil)
		if err != nil {
			result.Fail(c.fail(err, "BEGIN"))
			return
		}
		c.tx = tx
		result.Complete(stage.Unit{})
	}()
	return result
}

// Commit finalizes the current transaction.
func (c *connection) Commit(ctx context.Context) *stage.Stage[stage.Unit] {
	result := stage.New[stage.Unit]()
	go func() {
		tx := c.tx
		c.tx = nil
		if tx == nil {
			result.Complete(stage.Unit{})
			return
		}
		if err := tx.Commit(); err != nil {
			result.Fail(c.fail(err, "COMMIT"))
			return
		}
		result.Complete(stage.Unit{})
	}()
	return result
}

// Rollback reverts the current transaction. Rolling back a transaction
// that already finished is not an error.
func (c *connection) Rollback(ctx context.Context) *stage.Stage[stage.Unit] {
	result := stage.New[stage.Unit]()
	go func() {
		tx := c.tx
		c.tx = nil
		if tx == nil {
			result.Complete(stage.Unit{})
			return
		}
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone { //nolint:errorlint // sentinel
			result.Fail(c.fail(err, "ROLLBACK"))
			return
		}
		result.Complete(stage.Unit{})
	}()
	return result
}

// Fatal reports whether a previous failure left the connection unusable.
func (c *connection) Fatal() bool { return c.fatal }

// Release unpins the connection and frees its semaphore slot. A fatal
// connection is closed for good; database/sql replaces it on next use.
func (c *connection) Release(context.Context) error {
	if c.released {
		return nil
	}
	c.released = true
	err := c.pinned.Close()
	c.pool.sem.Release(1)
	if c.fatal {
		return nil
	}
	return err
}
