// Package lru provides a byte-keyed string cache with LRU eviction. The
// decoders use it to intern method names: a connection sees the same few
// names on every message, interning them avoids one allocation per decode.
package lru

import (
	"container/list"
	"sync"
)

type Cache struct {
	maxEntries int
	items      map[string]*list.Element
	order      *list.List
	mu         sync.Mutex
}

func New(maxEntries int) *Cache {
	if maxEntries < 1 {
		panic("assertion error: maxEntries < 1")
	}
	return &Cache{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element, maxEntries),
		order:      list.New(),
	}
}

// GetOrAdd returns the interned string for key, inserting it first if
// needed. The map lookup on a []byte key does not allocate.
func (c *Cache) GetOrAdd(key []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[string(key)]
	if ok {
		c.order.MoveToFront(element)
		return element.Value.(string)
	}

	if len(c.items) >= c.maxEntries {
		element = c.order.Back()
		c.order.Remove(element)
		delete(c.items, element.Value.(string))
	}

	s := string(key)
	c.items[s] = c.order.PushFront(s)
	return s
}

// Len returns the number of interned strings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
