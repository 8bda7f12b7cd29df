package cache

import (
	"container/list"
	"sync"
	"time"
)

// MemoryCache is the L1 level: an LRU bounded by total audio bytes.
type MemoryCache struct {
	capacity int64
	size     int64

	items    map[string]*list.Element
	eviction *list.List

	mu    sync.Mutex
	stats Stats
}

type memoryItem struct {
	key   string
	entry *Entry
}

// NewMemoryCache creates a MemoryCache holding up to capacity bytes.
func NewMemoryCache(capacity int64) *MemoryCache {
	return &MemoryCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
}

// Get returns the entry for key and marks it most recently used.
func (c *MemoryCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.eviction.MoveToFront(elem)
	c.stats.Hits++
	return elem.Value.(*memoryItem).entry, true
}

// Put stores e under key, evicting least recently used entries as needed.
func (c *MemoryCache) Put(key string, e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := e.size()
	if n > c.capacity {
		return ErrItemTooLarge
	}
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	for c.size+n > c.capacity && c.eviction.Len() > 0 {
		c.removeElement(c.eviction.Back())
		c.stats.Evictions++
	}

	c.items[key] = c.eviction.PushFront(&memoryItem{key: key, entry: e})
	c.size += n
	return nil
}

// Delete removes key.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes every entry.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.eviction.Init()
	c.size = 0
}

// Prune removes entries created before now-maxAge and returns how many.
func (c *MemoryCache) Prune(now time.Time, maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pruned := 0
	for elem := c.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryItem).entry.Expired(now, maxAge) {
			c.removeElement(elem)
			pruned++
		}
		elem = prev
	}
	return pruned
}

// Size returns the stored audio bytes.
func (c *MemoryCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns the level's counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Capacity = c.capacity
	s.Size = c.size
	s.Items = int64(len(c.items))
	s.finish()
	return s
}

// removeElement must be called with the lock held.
func (c *MemoryCache) removeElement(elem *list.Element) {
	it := elem.Value.(*memoryItem)
	c.eviction.Remove(elem)
	delete(c.items, it.key)
	c.size -= it.entry.size()
}
