// lru.go implements the bounded LRU used to drop remote operations that
// arrive more than once. The live channel can redeliver a cell_sync frame
// after a reconnect; applying it twice would fire remote change observers
// twice for a single edit.
//
// Entries are keyed by origin, address and timestamp, which together
// identify one remote edit. When the cache is full the least recently seen
// entry is evicted.

package sync

import (
	"container/list"
	"sync"
)

// lruCache is a thread-safe fixed-size set of recently seen keys.
type lruCache struct {
	size      int
	evictList *list.List
	items     map[string]*list.Element
	mu        sync.Mutex
}

// entry holds the key so eviction from the tail can delete it from items.
type entry struct {
	key string
}

// newLRUCache creates a new LRU cache with the given size.
// If size <= 0, it defaults to 1000 entries.
func newLRUCache(size int) *lruCache {
	if size <= 0 {
		size = 1000
	}

	return &lruCache{
		size:      size,
		evictList: list.New(),
		items:     make(map[string]*list.Element),
	}
}

// Add records key as seen, evicting the least recently seen key when over
// capacity. It reports whether key was already present.
func (c *lruCache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.evictList.MoveToFront(elem)
		return true
	}

	elem := c.evictList.PushFront(&entry{key: key})
	c.items[key] = elem

	if c.evictList.Len() > c.size {
		c.removeOldest()
	}
	return false
}

// Clear removes all entries from the cache
func (c *lruCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}

func (c *lruCache) removeOldest() {
	elem := c.evictList.Back()
	if elem != nil {
		c.evictList.Remove(elem)
		delete(c.items, elem.Value.(*entry).key)
	}
}
