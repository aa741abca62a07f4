package tree

import "container/list"

// PathCache is a bounded LRU mapping absolute POSIX path to *Entry, shared
// across a Storage. Grounded on the list+index pairing in gcsfuse's
// gcsproxy.ListingProxy.childModifications, generalised from "recent
// modifications" to "the whole resolved path cache".
//
// Eviction never invalidates an open handle's view of an object: open
// handles hold their own *Entry pointer obtained at open time, not a cache
// lookup, so losing the cache entry just means the next lookup by path will
// walk the tree again.
type PathCache struct {
	capacity int
	ll       *list.List               // most-recently-used at the front
	items    map[string]*list.Element // path -> element holding *cacheEntry
}

type cacheEntry struct {
	path  string
	entry *Entry
}

// NewPathCache creates a cache with the given capacity. A non-positive
// capacity means unbounded.
func NewPathCache(capacity int) *PathCache {
	return &PathCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached entry for path, if any, and marks it
// most-recently-used.
func (c *PathCache) Get(path string) (*Entry, bool) {
	el, ok := c.items[path]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).entry, true
}

// Put inserts or updates the cache entry for path, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *PathCache) Put(path string, entry *Entry) {
	if el, ok := c.items[path]; ok {
		el.Value.(*cacheEntry).entry = entry
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{path: path, entry: entry})
	c.items[path] = el

	if c.capacity > 0 && c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).path)
		}
	}
}

// Remove explicitly evicts path, e.g. after rename or delete.
func (c *PathCache) Remove(path string) {
	el, ok := c.items[path]
	if !ok {
		return
	}
	c.ll.Remove(el)
	delete(c.items, path)
}

// Len reports the number of entries currently cached.
func (c *PathCache) Len() int {
	return c.ll.Len()
}
