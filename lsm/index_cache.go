package lsm

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IndexCache is the process-wide skip index cache, keyed by segment
// path (without suffix). Entries are loaded lazily and evicted LRU when
// the cache exceeds its segment bound. Compaction flushes removed
// segments explicitly; eviction is a memory bound, not a correctness
// mechanism.
type IndexCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *SkipIndex]
}

func NewIndexCache(maxSegments int) *IndexCache {
	if maxSegments <= 0 {
		maxSegments = 1
	}
	c, err := lru.New[string, *SkipIndex](maxSegments)
	if err != nil {
		panic(err)
	}
	return &IndexCache{cache: c}
}

// Lookup returns the skip index for the segment at path, loading the
// .idx file on a miss.
func (c *IndexCache) Lookup(path string) (*SkipIndex, error) {
	c.mu.Lock()
	if idx, ok := c.cache.Get(path); ok {
		c.mu.Unlock()
		return idx, nil
	}
	c.mu.Unlock()

	// Load outside the lock; concurrent misses for the same path do
	// duplicate work but converge on the same immutable value.
	idx, err := readSkipIndex(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(path, idx)
	c.mu.Unlock()
	return idx, nil
}

// Flush drops the cached index for path. Called when a segment is
// compacted away.
func (c *IndexCache) Flush(path string) {
	c.mu.Lock()
	c.cache.Remove(path)
	c.mu.Unlock()
}

// Len returns the number of cached indexes.
func (c *IndexCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
