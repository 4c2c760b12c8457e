package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultLRUSize = 10000

// LRUCache is an in-process cache bounded by entry count. Entries expire
// lazily: an expired entry is dropped when read, or swept before the least
// recently used live entry is evicted.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	recency  *list.List // front is most recent
	now      func() time.Time
}

type lruEntry struct {
	key      string
	value    []byte
	deadline time.Time
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// NewLRUCache returns an empty cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	return &LRUCache{
		capacity: capacity,
		index:    make(map[string]*list.Element, min(capacity, 1024)),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Get returns a copy of the stored value, or nil on a miss.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if entry.expired(c.now()) {
		c.drop(elem)
		return nil, nil
	}

	c.recency.MoveToFront(elem)
	return clone(entry.value), nil
}

// Set stores a copy of value. A non-positive ttl never expires.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deadline time.Time
	if ttl > 0 {
		deadline = c.now().Add(ttl)
	}

	if elem, ok := c.index[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value, entry.deadline = clone(value), deadline
		c.recency.MoveToFront(elem)
		return nil
	}

	c.index[key] = c.recency.PushFront(&lruEntry{key: key, value: clone(value), deadline: deadline})
	if c.recency.Len() > c.capacity {
		c.evict()
	}
	return nil
}

func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		c.drop(elem)
	}
	return nil
}

func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.index)
	c.recency.Init()
	return nil
}

// Stats returns the current entry count and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

// evict sweeps expired entries and, if still over capacity, drops the least
// recently used ones.
func (c *LRUCache) evict() {
	now := c.now()
	for elem := c.recency.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*lruEntry).expired(now) {
			c.drop(elem)
		}
		elem = prev
	}
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
	}
}

func (c *LRUCache) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.index, elem.Value.(*lruEntry).key)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
