package protocsrc

import (
	"container/list"
	"sync"

	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
)

// sourceCache is a small LRU keyed by source hash, letting a repeated
// ConfigureInteraction call for a .proto source already seen in this
// process lifetime skip recompilation entirely. No pack library ships a
// generic LRU, so this is hand-rolled over the standard library's
// container/list -- the same trade the teacher makes nowhere else
// because it never needed one.
type sourceCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key string
	set *descriptor.Set
}

func newSourceCache(capacity int) *sourceCache {
	if capacity <= 0 {
		return nil
	}
	return &sourceCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *sourceCache) get(key string) (*descriptor.Set, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).set, true
}

func (c *sourceCache) put(key string, set *descriptor.Set) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).set = set
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, set: set})
	c.entries[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
