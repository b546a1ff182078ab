// Package cache provides the LRU block cache shared by all SSTable readers.
package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// Interface is the contract the SSTable reader depends on, so tests can
// substitute fakes and a zero-capacity cache can disable caching entirely.
type Interface interface {
	Get(key string) (value interface{}, ok bool)
	Put(key string, value interface{})
	Len() int
}

// cacheEntry holds the key and value for a cache item.
type cacheEntry struct {
	key   string
	value interface{}
}

// LRUCache implements a fixed-size LRU cache keyed by string.
type LRUCache struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[string]*list.Element
	onEvicted  func(key string, value interface{})

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface = (*LRUCache)(nil)

// NewLRUCache creates a new LRUCache. A capacity <= 0 disables the cache.
func NewLRUCache(capacity int, onEvicted func(key string, value interface{})) *LRUCache {
	return &LRUCache{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[string]*list.Element),
		onEvicted:  onEvicted,
	}
}

// SetMetrics wires hit/miss counters published by the engine.
func (c *LRUCache) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value from the cache.
func (c *LRUCache) Get(key string) (value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return nil, false
	}

	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	return nil, false
}

// Put adds a value to the cache, evicting the least recently used item when full.
func (c *LRUCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}
	c.cacheItems[key] = c.lruList.PushFront(&cacheEntry{key: key, value: value})
}

// Len returns the current number of items in the cache.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item. Caller holds c.mu.
func (c *LRUCache) evict() {
	if elem := c.lruList.Back(); elem != nil {
		removed := c.lruList.Remove(elem).(*cacheEntry)
		delete(c.cacheItems, removed.key)
		if c.onEvicted != nil {
			c.onEvicted(removed.key, removed.value)
		}
	}
}
