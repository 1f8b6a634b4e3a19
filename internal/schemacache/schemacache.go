// Package schemacache is a bounded TTL cache of tool input schemas, used by
// the router to skip redundant downstream schema fetches.
//
// Expiry is checked lazily on read; there is no background sweep. When the
// cache is full the least-recently-used entry is evicted on insert.
package schemacache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

type entry struct {
	key       string
	schema    json.RawMessage
	writtenAt time.Time
}

// Cache maps namespaced tool names to schema blobs.
type Cache struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

// New creates a Cache holding at most maxSize entries, each valid for ttl
// after its write.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// SetClock replaces the cache's time source, for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the cached schema for key. An entry written at T is a hit
// strictly before T+ttl and a miss from T+ttl on; expired entries are
// dropped on read.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.writtenAt) >= c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.schema, true
}

// Put stores schema under key with the current time. At capacity the
// least-recently-used entry is evicted first.
func (c *Cache) Put(key string, schema json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.schema = schema
		e.writtenAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry).key)
		}
	}
	c.entries[key] = c.order.PushFront(&entry{
		key:       key,
		schema:    schema,
		writtenAt: c.now(),
	})
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix, used
// when a server is deregistered.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*entry)
		if len(e.key) >= len(prefix) && e.key[:len(prefix)] == prefix {
			c.order.Remove(el)
			delete(c.entries, e.key)
			n++
		}
	}
	return n
}

// Len returns the number of entries, counting not-yet-collected expired
// ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
