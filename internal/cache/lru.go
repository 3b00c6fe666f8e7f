package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/unisearch/reqcache/internal/codec"
	"github.com/unisearch/reqcache/pkg/types"
)

// DefaultMemoryCapacity is the number of entries the memory tier holds.
const DefaultMemoryCapacity = 100

// LRUCache is the memory tier: a bounded map of entries ordered by last access.
type LRUCache struct {
	mu        sync.Mutex
	capacity  int
	items     map[string]*list.Element
	evictList *list.List

	// onEvict runs under the lock for every capacity eviction
	onEvict func(key string)
}

// lruItem represents the value stored in a list element
type lruItem struct {
	key   string
	entry *codec.Entry
}

// NewLRUCache creates a memory tier holding at most capacity entries.
func NewLRUCache(capacity int, onEvict func(key string)) *LRUCache {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &LRUCache{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		onEvict:   onEvict,
	}
}

// Get returns a copy of the entry and marks it most recently used.
func (c *LRUCache) Get(_ context.Context, key string) (*codec.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	c.evictList.MoveToFront(elem)
	return elem.Value.(*lruItem).entry.Clone(), true, nil
}

// Put stores a copy of the entry, evicting the least recently accessed
// entries when the tier is full.
func (c *LRUCache) Put(_ context.Context, key string, e *codec.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*lruItem).entry = e.Clone()
		c.evictList.MoveToFront(elem)
		return nil
	}

	for len(c.items) >= c.capacity && c.evictList.Len() > 0 {
		c.evictOldest()
	}

	c.items[key] = c.evictList.PushFront(&lruItem{key: key, entry: e.Clone()})
	return nil
}

// Touch records a read of key at now without creating it. It reports
// whether key was present.
func (c *LRUCache) Touch(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	elem.Value.(*lruItem).entry.Touch(now)
	c.evictList.MoveToFront(elem)
	return true
}

// Delete removes key if present
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeElement(key)
	return nil
}

// Keys returns the cached keys, most recently used first
func (c *LRUCache) Keys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for e := c.evictList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*lruItem).key)
	}
	return keys, nil
}

// Clear clears all items from the cache
func (c *LRUCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	return nil
}

// RemoveExpired drops every entry expired at now and returns the count.
func (c *LRUCache) RemoveExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.items {
		if elem.Value.(*lruItem).entry.Expired(now) {
			c.removeElement(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries held
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats reports entry count and payload bytes against the entry capacity.
func (c *LRUCache) Stats(_ context.Context) (types.TierStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var size int64
	for _, elem := range c.items {
		size += int64(len(elem.Value.(*lruItem).entry.Payload))
	}
	return types.TierStats{
		Tier:         types.TierMemory,
		Entries:      int64(len(c.items)),
		Bytes:        size,
		Capacity:     int64(c.capacity),
		UsagePercent: float64(len(c.items)) / float64(c.capacity) * 100,
	}, nil
}

func (c *LRUCache) removeElement(key string) {
	elem, ok := c.items[key]
	if !ok {
		return
	}
	c.evictList.Remove(elem)
	delete(c.items, key)
}

func (c *LRUCache) evictOldest() {
	elem := c.evictList.Back()
	if elem == nil {
		return
	}
	key := elem.Value.(*lruItem).key
	c.removeElement(key)
	if c.onEvict != nil {
		c.onEvict(key)
	}
}
