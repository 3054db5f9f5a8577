// Package blockcache provides a bounded LRU cache of decoded blocks,
// letting a Scan avoid re-reading and re-decoding a block it has
// already visited. It is purely a read-side accelerator: entries are
// immutable once cached, so there is no invalidation path beyond LRU
// eviction.
package blockcache

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/mseriesdb/milliseries/codec"
)

// Cache maps (series name, block offset) to its decoded entries.
type Cache struct {
	lru *lru.Cache
}

// New builds a cache holding at most size decoded blocks. size <= 0
// disables caching: Get always misses, Add is a no-op.
func New(size int) *Cache {
	if size <= 0 {
		return &Cache{}
	}
	l, err := lru.New(size)
	if err != nil {
		// Only returns an error for a non-positive size, already excluded above.
		panic(err)
	}
	return &Cache{lru: l}
}

// key hashes the concatenation of series and offset rather than
// combining two independent hashes with XOR: XORing a 32-bit-bounded
// offset into a 64-bit series hash only needs the two series' hashes
// to agree in the upper 32 bits to collide.
func key(series string, offset int64) uint64 {
	return xxhash.Sum64String(series + ":" + strconv.FormatInt(offset, 10))
}

// Get returns the cached entries for the block at offset in series, if present.
func (c *Cache) Get(series string, offset int64) ([]codec.Entry, bool) {
	if c.lru == nil {
		return nil, false
	}
	v, ok := c.lru.Get(key(series, offset))
	if !ok {
		return nil, false
	}
	return v.([]codec.Entry), true
}

// Add caches entries as the decoded content of the block at offset in series.
func (c *Cache) Add(series string, offset int64, entries []codec.Entry) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key(series, offset), entries)
}
