// Package core implements the reactive persistence engine of nereid.
// This file defines identifier generation. Database-backed strategies
// (sequence, generator table) prefetch a block of values per round trip and
// share the block across every session of the factory, refilled under a
// single-flight guard so concurrent requests trigger exactly one round trip.
package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/leandroluk/nereid/stage"
)

// IdentifierGenerator produces identifiers for new entities of one type.
type IdentifierGenerator interface {
	// PostInsert reports whether the identifier is assigned by the database
	// during the insert itself (identity columns), in which case Generate
	// is never called.
	PostInsert() bool

	// Generate resolves with the next identifier. Implementations backed by
	// the database issue their round trips on the session's connection.
	Generate(ctx context.Context, session *Session) *stage.Stage[any]
}

// assignedGenerator expects the application to have set the identifier.
type assignedGenerator struct {
	meta *Meta
}

func (g *assignedGenerator) PostInsert() bool { return false }

func (g *assignedGenerator) Generate(_ context.Context, session *Session) *stage.Stage[any] {
	return stage.Failed[any](fmt.Errorf("core: entity %s uses assigned identifiers; set the identifier before persisting", g.meta.EntityName))
}

// uuidGenerator produces random UUIDs without a round trip.
type uuidGenerator struct{}

func (g *uuidGenerator) PostInsert() bool { return false }

func (g *uuidGenerator) Generate(context.Context, *Session) *stage.Stage[any] {
	return stage.Of[any](uuid.New().String())
}

// identityGenerator marks database-assigned identity columns.
type identityGenerator struct{}

func (g *identityGenerator) PostInsert() bool { return true }

func (g *identityGenerator) Generate(context.Context, *Session) *stage.Stage[any] {
	return stage.Failed[any](fmt.Errorf("core: identity values are assigned during the insert"))
}

// blockCache holds a prefetched block of identifier values shared across
// all sessions of a factory. Refills run at most once at a time: the first
// consumer that finds the cache empty issues the round trip, later
// consumers chain onto the same in-flight stage.
type blockCache struct {
	mutex     sync.Mutex
	valueList []int64
	pending   *stage.Stage[stage.Unit]
}

// next pops a cached value or runs refill (at most one in flight) and
// retries once the shared refill completed.
func (c *blockCache) next(refill func() *stage.Stage[stage.Unit]) *stage.Stage[any] {
	c.mutex.Lock()
	if len(c.valueList) > 0 {
		value := c.valueList[0]
		c.valueList = c.valueList[1:]
		c.mutex.Unlock()
		return stage.Of[any](value)
	}
	pending := c.pending
	if pending == nil {
		pending = refill()
		c.pending = pending
		clear := pending
		stage.WhenComplete(clear, func(stage.Unit, error) {
			c.mutex.Lock()
			if c.pending == clear {
				c.pending = nil
			}
			c.mutex.Unlock()
		})
	}
	c.mutex.Unlock()

	// Another consumer may drain the fresh block first; retry resolves that
	// by triggering a new refill.
	return stage.Compose(pending, func(stage.Unit) *stage.Stage[any] {
		return c.next(refill)
	})
}

func (c *blockCache) fill(valueList []int64) {
	c.mutex.Lock()
	c.valueList = append(c.valueList, valueList...)
	c.mutex.Unlock()
}

// sequenceGenerator prefetches identifier blocks from a database sequence.
type sequenceGenerator struct {
	meta  *Meta
	cache *blockCache
}

func (g *sequenceGenerator) PostInsert() bool { return false }

func (g *sequenceGenerator) Generate(ctx context.Context, session *Session) *stage.Stage[any] {
	return g.cache.next(func() *stage.Stage[stage.Unit] {
		dialect := session.factory.dialect
		allocation := g.meta.ID().AllocationSize
		if allocation <= 0 {
			allocation = 1
		}
		sql := dialect.SequenceNextValues(g.meta.ID().SequenceName, allocation)
		if sql == "" {
			return stage.Failed[stage.Unit](fmt.Errorf("core: dialect %s does not support sequences (entity %s)", dialect.Name(), g.meta.EntityName))
		}
		return stage.Then(session.execSelect(ctx, Statement{SQL: sql}), func(rows Rows) (stage.Unit, error) {
			valueList := make([]int64, 0, rows.Len())
			columnList := rows.Columns()
			if len(columnList) == 0 {
				return stage.Unit{}, fmt.Errorf("core: sequence query returned no columns")
			}
			for row := 0; row < rows.Len(); row++ {
				value, err := toInt64(rows.Value(row, columnList[0]))
				if err != nil {
					return stage.Unit{}, err
				}
				valueList = append(valueList, value)
			}
			g.cache.fill(valueList)
			return stage.Unit{}, nil
		})
	})
}

// hiLoGenerator allocates identifier blocks from a generator table, for
// dialects without sequences. The table holds a single row with the next
// unallocated value; each refill claims a block of allocationSize values
// with one UPDATE and one SELECT.
type hiLoGenerator struct {
	meta  *Meta
	cache *blockCache
}

func (g *hiLoGenerator) PostInsert() bool { return false }

func (g *hiLoGenerator) Generate(ctx context.Context, session *Session) *stage.Stage[any] {
	return g.cache.next(func() *stage.Stage[stage.Unit] {
		dialect := session.factory.dialect
		allocation := g.meta.ID().AllocationSize
		if allocation <= 0 {
			allocation = 1
		}
		table := dialect.QuoteIdentifier(g.meta.ID().SequenceName)

		updateSQL := fmt.Sprintf("UPDATE %s SET %s = %s + %s",
			table,
			dialect.QuoteIdentifier("next_value"),
			dialect.QuoteIdentifier("next_value"),
			dialect.Placeholder(1))
		selectSQL := fmt.Sprintf("SELECT %s FROM %s",
			dialect.QuoteIdentifier("next_value"), table)

		update := session.execUpdate(ctx, Statement{SQL: updateSQL, Args: []any{int64(allocation)}})
		claimed := stage.Compose(update, func(int64) *stage.Stage[Rows] {
			return session.execSelect(ctx, Statement{SQL: selectSQL})
		})
		return stage.Then(claimed, func(rows Rows) (stage.Unit, error) {
			if rows.Len() == 0 {
				return stage.Unit{}, fmt.Errorf("core: generator table %s is empty", g.meta.ID().SequenceName)
			}
			upper, err := toInt64(rows.Value(0, rows.Columns()[0]))
			if err != nil {
				return stage.Unit{}, err
			}
			valueList := make([]int64, 0, allocation)
			for value := upper - int64(allocation) + 1; value <= upper; value++ {
				valueList = append(valueList, value)
			}
			g.cache.fill(valueList)
			return stage.Unit{}, nil
		})
	})
}

// newIdentifierGenerator builds the generator for an entity's strategy. The
// caches map is the factory-wide shared block-cache registry.
func newIdentifierGenerator(meta *Meta, caches map[string]*blockCache) (IdentifierGenerator, error) {
	idField := meta.ID()
	if idField == nil {
		return nil, fmt.Errorf("core: entity %s has no identifier field", meta.EntityName)
	}
	switch idField.Strategy {
	case GenerateAssigned:
		return &assignedGenerator{meta: meta}, nil
	case GenerateIdentity:
		return &identityGenerator{}, nil
	case GenerateUUID:
		return &uuidGenerator{}, nil
	case GenerateSequence, GenerateTableHiLo:
		if idField.SequenceName == "" {
			return nil, fmt.Errorf("core: entity %s uses a database generator but names no sequence or table", meta.EntityName)
		}
		cache, ok := caches[meta.EntityName]
		if !ok {
			cache = &blockCache{}
			caches[meta.EntityName] = cache
		}
		if idField.Strategy == GenerateSequence {
			return &sequenceGenerator{meta: meta, cache: cache}, nil
		}
		return &hiLoGenerator{meta: meta, cache: cache}, nil
	default:
		return nil, fmt.Errorf("core: entity %s has unknown identifier strategy %d", meta.EntityName, idField.Strategy)
	}
}

// toInt64 converts a driver-reported numeric value.
func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("core: expected numeric value, got %T", value)
	}
}
