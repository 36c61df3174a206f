package quantization

import (
	"container/list"
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// TableCache is a bounded LRU over per-query distance tables. Building a
// table costs O(dim * 2^bits) work; repeated queries (rerank passes,
// paginated searches) hit the cache instead. Keys are 64-bit
// fingerprints of the raw query bytes, so the cache is private to one
// collection and one codebook generation — callers must Clear on
// retraining.
type TableCache struct {
	capacity int

	mu    sync.Mutex
	cache map[uint64]*list.Element
	lru   *list.List

	hits   int64
	misses int64
}

type tableCacheEntry struct {
	key   uint64
	table Table
}

// NewTableCache creates a cache holding up to capacity tables. A
// capacity below 1 disables caching: every lookup misses.
func NewTableCache(capacity int) *TableCache {
	return &TableCache{
		capacity: capacity,
		cache:    make(map[uint64]*list.Element, capacity),
		lru:      list.New(),
	}
}

// Fingerprint hashes a query vector into the cache key.
func Fingerprint(query []float32) uint64 {
	digest := xxhash.New()
	var buf [8]byte
	for _, v := range query {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		digest.Write(buf[:4])
	}
	return digest.Sum64()
}

// Get returns the cached table for a fingerprint.
func (c *TableCache) Get(key uint64) (Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return elem.Value.(*tableCacheEntry).table, true
}

// Put stores a table under a fingerprint, evicting the least recently
// used entry when over capacity.
func (c *TableCache) Put(key uint64, table Table) {
	if c.capacity < 1 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		elem.Value.(*tableCacheEntry).table = table
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&tableCacheEntry{key: key, table: table})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*tableCacheEntry).key)
		}
	}
}

// GetOrBuild returns the cached table for the query, building and
// caching it on a miss. The second result reports whether the cache
// served it.
func (c *TableCache) GetOrBuild(q Quantizer, query []float32) (Table, bool, error) {
	key := Fingerprint(query)
	if table, ok := c.Get(key); ok {
		return table, true, nil
	}

	table, err := q.DistanceTable(query)
	if err != nil {
		return nil, false, err
	}
	c.Put(key, table)
	return table, false, nil
}

// Clear drops all cached tables. Statistics survive a clear.
func (c *TableCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[uint64]*list.Element, c.capacity)
	c.lru.Init()
}

// CacheStats is a read-only view of cache effectiveness.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Size    int
	HitRate float64
}

// Stats returns hit and miss counts.
func (c *TableCache) Stats() CacheStats {
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
