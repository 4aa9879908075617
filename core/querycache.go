// Package core provides the reactive persistence engine of nereid.
// This file defines the read-through query cache used by cacheable queries.
package core

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// QueryCache stores result sets of cacheable queries keyed by their rendered
// statement. Entries are tagged with the tables they read so writes flushed
// through a session can invalidate exactly the regions they touch.
type QueryCache interface {
	Get(stmt Statement) (Rows, bool)
	Put(stmt Statement, rows Rows, tableList []string)
	InvalidateTables(tableList ...string)
}

// memoryQueryCache is a simple in-memory QueryCache implementation.
//
// It uses a map protected by a RWMutex, supports expiration and keeps a
// reverse index from table name to the keys that read it.
type memoryQueryCache struct {
	mutex      sync.RWMutex
	entryMap   map[string]queryCacheEntry
	tableIndex map[string]map[string]bool
	ttl        time.Duration
}

type queryCacheEntry struct {
	rows       Rows
	tableList  []string
	expiration time.Time
}

// NewMemoryQueryCache creates a new in-memory QueryCache instance.
// A TTL of 0 disables expiration.
func NewMemoryQueryCache(ttl time.Duration) QueryCache {
	return &memoryQueryCache{
		entryMap:   make(map[string]queryCacheEntry),
		tableIndex: make(map[string]map[string]bool),
		ttl:        ttl,
	}
}

// cacheKey renders a statement and its arguments into a stable key.
func cacheKey(stmt Statement) string {
	var b strings.Builder
	b.WriteString(stmt.SQL)
	for _, arg := range stmt.Args {
		fmt.Fprintf(&b, "|%#v", normalizeKey(arg))
	}
	return b.String()
}

// Get retrieves the cached result set for a statement.
// It returns false if the key does not exist or is expired.
func (c *memoryQueryCache) Get(stmt Statement) (Rows, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	entry, ok := c.entryMap[cacheKey(stmt)]
	if !ok {
		return nil, false
	}
	if !entry.expiration.IsZero() && time.Now().After(entry.expiration) {
		return nil, false
	}
	return entry.rows, true
}

// Put stores a result set under its statement key, tagged with the tables
// the statement read.
func (c *memoryQueryCache) Put(stmt Statement, rows Rows, tableList []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var exp time.Time
	if c.ttl > 0 {
		exp = time.Now().Add(c.ttl)
	}
	key := cacheKey(stmt)
	c.entryMap[key] = queryCacheEntry{rows: rows, tableList: tableList, expiration: exp}
	for _, table := range tableList {
		keySet, ok := c.tableIndex[table]
		if !ok {
			keySet = make(map[string]bool)
			c.tableIndex[table] = keySet
		}
		keySet[key] = true
	}
}

// InvalidateTables drops every cached result that read one of the given
// tables. Sessions call this after flushing writes.
func (c *memoryQueryCache) InvalidateTables(tableList ...string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, table := range tableList {
		for key := range c.tableIndex[table] {
			entry := c.entryMap[key]
			delete(c.entryMap, key)
			for _, tagged := range entry.tableList {
				if tagged != table {
					delete(c.tableIndex[tagged], key)
				}
			}
		}
		delete(c.tableIndex, table)
	}
}
