package search

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// CacheKey identifies one cached query result.
type CacheKey string

// LRUCache is a thread-safe LRU with optional TTL expiry, used to cache
// search result lists per collection. Any mutation of the collection
// must invalidate the whole cache; results have no finer-grained
// dependency tracking.
type LRUCache struct {
	capacity int
	ttl      time.Duration // 0 = no expiration

	mu    sync.Mutex
	cache map[CacheKey]*list.Element
	lru   *list.List

	hits   int64
	misses int64
}

type cacheEntry struct {
	key       CacheKey
	value     interface{}
	expiresAt time.Time
}

// NewLRUCache creates a cache holding up to capacity entries.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		cache:    make(map[CacheKey]*list.Element, capacity),
		lru:      list.New(),
	}
}

// Get retrieves a value. Expired entries count as misses and are
// dropped.
func (c *LRUCache) Get(key CacheKey) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.cache[key]
	if !exists {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Put adds or updates a value.
func (c *LRUCache) Put(key CacheKey, value interface{}) {
	if c.capacity < 1 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.cache[key]; exists {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.lru.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{key: key, value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}

	elem := c.lru.PushFront(entry)
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// Clear removes all entries. Hit/miss statistics are retained.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[CacheKey]*list.Element, c.capacity)
	c.lru.Init()
}

// Size returns the current number of entries.
func (c *LRUCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cache performance counters.
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    c.lru.Len(),
		HitRate: hitRate,
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.cache, elem.Value.(*cacheEntry).key)
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Size    int
	HitRate float64
}

// VectorQueryKey builds a cache key for a dense search.
func VectorQueryKey(query []float32, k int, ef int) CacheKey {
	h := sha256.New()
	var buf [4]byte
	for _, v := range query {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	binary.Write(h, binary.LittleEndian, int32(k))
	binary.Write(h, binary.LittleEndian, int32(ef))

	return CacheKey(fmt.Sprintf("vec:%x", h.Sum(nil)[:16]))
}

// TextQueryKey builds a cache key for a sparse text search.
func TextQueryKey(terms []string, k int) CacheKey {
	h := sha256.New()
	for _, term := range terms {
		h.Write([]byte(term))
		h.Write([]byte{0})
	}
	binary.Write(h, binary.LittleEndian, int32(k))

	return CacheKey(fmt.Sprintf("text:%x", h.Sum(nil)[:16]))
}

// HybridQueryKey builds a cache key for a hybrid search.
func HybridQueryKey(query []float32, terms []string, k int, alpha float64) CacheKey {
	h := sha256.New()
	var buf [8]byte
	for _, v := range query {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		h.Write(buf[:4])
	}
	for _, term := range terms {
		h.Write([]byte(term))
		h.Write([]byte{0})
	}
	binary.Write(h, binary.LittleEndian, int32(k))
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(alpha))
	h.Write(buf[:])

	return CacheKey(fmt.Sprintf("hybrid:%x", h.Sum(nil)[:16]))
}
