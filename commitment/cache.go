package commitment

import lru "github.com/hashicorp/golang-lru/v2"

type cacheKey struct {
	level     uint32
	baseCycle uint64
}

// Cache is an in-process hot cache of recently built commitments, fronting
// the durable leaf cache a Builder's Store keeps. It never needs
// invalidation: a (level, base_cycle) pair's commitment is a pure function
// of already-committed chain state, so a cached entry is valid forever.
type Cache struct {
	lru *lru.Cache[cacheKey, *Commitment]
}

// NewCache builds a cache holding at most size entries. size <= 0 disables
// caching.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		return &Cache{}, nil
	}
	l, err := lru.New[cacheKey, *Commitment](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

func (c *Cache) Get(level uint32, baseCycle uint64) (*Commitment, bool) {
	if c == nil || c.lru == nil {
		return nil, false
	}
	return c.lru.Get(cacheKey{level, baseCycle})
}

func (c *Cache) Put(level uint32, baseCycle uint64, commitment *Commitment) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(cacheKey{level, baseCycle}, commitment)
}
