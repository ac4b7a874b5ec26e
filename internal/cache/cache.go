// Package cache provides a keyed store that preserves insertion order and
// optionally bounds its size with first-in first-out eviction.
package cache

import (
	"math/rand/v2"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Source yields a cache value. It is the boundary between payloads that are
// already hydrated and raw payloads that still need constructing.
type Source[V any] interface {
	Hydrate() V
}

type value[V any] struct{ v V }

func (s value[V]) Hydrate() V { return s.v }

// Value wraps an already hydrated value. Hydrate returns it unchanged.
func Value[V any](v V) Source[V] {
	return value[V]{v: v}
}

// Factory builds a value from a raw payload when hydrated.
type Factory[V any] func() V

func (f Factory[V]) Hydrate() V { return f() }

// Cache maps keys to values in insertion order.
//
// The limit decides the retention mode:
//   - limit < 0: unbounded
//   - limit == 0: nothing is retained; Add only hydrates
//   - limit > 0: at most limit entries, oldest inserted evicted first
//
// Reads never reorder or evict. Cache is not safe for concurrent use.
type Cache[K comparable, V any] struct {
	limit   int
	entries *orderedmap.OrderedMap[K, V]
}

// New creates a cache with the given limit.
func New[K comparable, V any](limit int) *Cache[K, V] {
	return &Cache[K, V]{
		limit:   limit,
		entries: orderedmap.New[K, V](),
	}
}

// Limit returns the configured limit.
func (c *Cache[K, V]) Limit() int {
	return c.limit
}

// Len returns the number of retained entries.
func (c *Cache[K, V]) Len() int {
	return c.entries.Len()
}

// Add inserts the value of src under key and returns it. If key is present
// and replace is false, the existing value is returned and src is not
// hydrated. A replaced key keeps its insertion position.
func (c *Cache[K, V]) Add(key K, src Source[V], replace bool) V {
	if c.limit == 0 {
		return src.Hydrate()
	}

	if existing, ok := c.entries.Get(key); ok && !replace {
		return existing
	}

	v := src.Hydrate()
	c.entries.Set(key, v)

	if c.limit > 0 {
		for c.entries.Len() > c.limit {
			c.entries.Delete(c.entries.Oldest().Key)
		}
	}
	return v
}

// Update merges into the existing value under key and returns it. When key
// is absent it behaves like Add.
func (c *Cache[K, V]) Update(key K, src Source[V], merge func(existing V)) V {
	if existing, ok := c.entries.Get(key); ok {
		merge(existing)
		return existing
	}
	return c.Add(key, src, false)
}

// Get returns the value under key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.entries.Get(key)
}

// Has reports whether key is present.
func (c *Cache[K, V]) Has(key K) bool {
	return c.entries.GetPair(key) != nil
}

// Remove deletes key and returns the value it held.
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	return c.entries.Delete(key)
}

// Find returns the first value, in insertion order, matching pred.
func (c *Cache[K, V]) Find(pred func(V) bool) (V, bool) {
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pred(pair.Value) {
			return pair.Value, true
		}
	}
	var zero V
	return zero, false
}

// Filter returns every value matching pred, in insertion order.
func (c *Cache[K, V]) Filter(pred func(V) bool) []V {
	var out []V
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pred(pair.Value) {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Keys returns every key in insertion order.
func (c *Cache[K, V]) Keys() []K {
	out := make([]K, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Values returns every value in insertion order.
func (c *Cache[K, V]) Values() []V {
	return c.Last(c.entries.Len())
}

// Last returns the n most recently inserted values, oldest first.
func (c *Cache[K, V]) Last(n int) []V {
	n = min(n, c.entries.Len())
	if n <= 0 {
		return nil
	}
	out := make([]V, n)
	pair := c.entries.Newest()
	for i := n - 1; i >= 0; i-- {
		out[i] = pair.Value
		pair = pair.Prev()
	}
	return out
}

// Random returns a value chosen uniformly at random.
func (c *Cache[K, V]) Random() (V, bool) {
	if c.entries.Len() == 0 {
		var zero V
		return zero, false
	}
	pair := c.entries.Oldest()
	for skip := rand.IntN(c.entries.Len()); skip > 0; skip-- {
		pair = pair.Next()
	}
	return pair.Value, true
}
