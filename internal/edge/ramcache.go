package edge

import (
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is the LRU front tier. Every entry it holds is also on disk, so
// evicting only drops the in-memory copy.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	overflowLog *rateLimitedLogger
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}, overflowLog: overflowLog}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.drop(it)
	}
}

// DeletePrefix drops every key starting with prefix.
func (c *ramCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.drop(it)
			n++
		}
	}
	return n
}

func (c *ramCache) Put(key string, ent Entry) {
	sz := entrySize(ent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && sz > c.maxBytes {
		// Too big for RAM; disk keeps it.
		if it, ok := c.items[key]; ok {
			c.drop(it)
		}
		return
	}

	if it, ok := c.items[key]; ok {
		c.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.moveToFront(it)
		c.evictLocked(key)
		return
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked(key)
}

// evictLocked drops least-recently-used items, 10% at a time, until the tier
// fits again. keep is never evicted.
func (c *ramCache) evictLocked(keep string) {
	if c.maxBytes <= 0 || c.total <= c.maxBytes {
		return
	}
	c.overflowLog.Printf("ram cache over %s, evicting", formatBytes(uint64(c.maxBytes)))
	for c.total > c.maxBytes {
		n := len(c.items) / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			it := c.tail
			if it == nil || it.key == keep {
				return
			}
			c.drop(it)
		}
	}
}

func (c *ramCache) drop(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

func entrySize(ent Entry) int64 {
	n := int64(len(ent.Body))
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}
