package spindle

import (
	"sync"
)

// Cache is a typed wrapper around sync.Map. The manager uses it for the
// task table and the three call caches, all of which are read and written
// concurrently by executing tasks.
type Cache[K comparable, V any] struct {
	data sync.Map
}

func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{}
}

func (c *Cache[K, V]) Load(key K) (V, bool) {
	value, ok := c.data.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return value.(V), true
}

func (c *Cache[K, V]) Store(key K, value V) {
	c.data.Store(key, value)
}

// LoadOrStore inserts value if key is absent. It returns the value that
// ended up in the cache and whether it was already present; callers use
// this as the single atomic insert-if-absent that resolves creation races.
func (c *Cache[K, V]) LoadOrStore(key K, value V) (V, bool) {
	actual, loaded := c.data.LoadOrStore(key, value)
	return actual.(V), loaded
}

func (c *Cache[K, V]) Delete(key K) {
	c.data.Delete(key)
}

func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.data.Range(func(key, value any) bool {
		return fn(key.(K), value.(V))
	})
}

func (c *Cache[K, V]) Size() int {
	count := 0
	c.data.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}
