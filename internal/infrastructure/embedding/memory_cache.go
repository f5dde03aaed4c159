package embedding

import (
	"container/list"
	"context"
	"sync"
)

type lruEntry struct {
	key    string
	vector []float32
}

// MemoryCache is a bounded in-process LRU cache of vectors.
type MemoryCache struct {
	capacity int

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *MemoryCache) GetMany(_ context.Context, keys []string) (map[string][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]float32, len(keys))
	for _, key := range keys {
		if el, ok := c.items[key]; ok {
			c.ll.MoveToFront(el)
			out[key] = el.Value.(*lruEntry).vector
		}
	}
	return out, nil
}

func (c *MemoryCache) SetMany(_ context.Context, values map[string][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, vector := range values {
		if el, ok := c.items[key]; ok {
			el.Value.(*lruEntry).vector = vector
			c.ll.MoveToFront(el)
			continue
		}
		c.items[key] = c.ll.PushFront(&lruEntry{key: key, vector: vector})
		for c.ll.Len() > c.capacity {
			oldest := c.ll.Back()
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
