package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/tiersearch/internal/resource"
	"github.com/hupe1980/tiersearch/model"
)

// Key identifies a filter candidate set. The generation is not part of the
// key: a lookup with a newer generation replaces the stale entry.
type Key struct {
	Signature uint64
	Tier      model.Tier
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// Config bounds the cache.
type Config struct {
	// MaxEntries caps the number of cached sets. If 0, defaults to 1024.
	MaxEntries int
	// MaxBytes caps the serialized size of all cached sets. If 0, defaults to 64 MiB.
	MaxBytes int64
}

// FilterCache is an LRU of filter candidate sets keyed by
// (signature, tier) and valid for exactly one tier generation.
type FilterCache struct {
	mu        sync.Mutex
	cfg       Config
	size      int64
	items     map[Key]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	key  Key
	gen  uint64
	set  *roaring64.Bitmap
	size int64
}

// New creates a filter cache. If rc is provided, it is used to track memory usage.
func New(cfg Config, rc *resource.Controller) *FilterCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	return &FilterCache{
		cfg:       cfg,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns the candidate set cached for sig on tier at generation gen.
// An entry cached under another generation is a miss and is evicted.
// The returned bitmap is shared and must not be modified.
func (c *FilterCache) Get(sig uint64, tier model.Tier, gen uint64) (*roaring64.Bitmap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{Signature: sig, Tier: tier}
	if ent, ok := c.items[key]; ok {
		e := ent.Value.(*entry)
		if e.gen == gen {
			c.hits.Add(1)
			c.evictList.MoveToFront(ent)
			return e.set, true
		}
		c.removeElement(ent)
	}
	c.misses.Add(1)
	return nil, false
}

// Put caches set for sig on tier at generation gen. The cache takes
// ownership of set.
func (c *FilterCache) Put(sig uint64, tier model.Tier, gen uint64, set *roaring64.Bitmap) {
	set.RunOptimize()
	itemSize := int64(set.GetSerializedSizeInBytes())

	c.mu.Lock()
	defer c.mu.Unlock()

	// Sets larger than the whole budget are not cached.
	if itemSize > c.cfg.MaxBytes {
		return
	}

	key := Key{Signature: sig, Tier: tier}
	if ent, ok := c.items[key]; ok {
		c.removeElement(ent)
	}

	for c.size+itemSize > c.cfg.MaxBytes || len(c.items) >= c.cfg.MaxEntries {
		ent := c.evictList.Back()
		if ent == nil {
			break
		}
		c.removeElement(ent)
	}

	// Respect the global memory limit: if the controller says no, don't cache.
	if !c.rc.TryAcquireMemory(itemSize) {
		return
	}

	e := &entry{key: key, gen: gen, set: set, size: itemSize}
	c.items[key] = c.evictList.PushFront(e)
	c.size += itemSize
}

// InvalidateTier drops every entry of tier.
func (c *FilterCache) InvalidateTier(tier model.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, element := range c.items {
		if key.Tier == tier {
			toRemove = append(toRemove, element)
		}
	}
	for _, e := range toRemove {
		c.removeElement(e)
	}
}

// Stats returns the current counters.
func (c *FilterCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   len(c.items),
		Bytes:     c.size,
	}
}

func (c *FilterCache) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	kv := e.Value.(*entry)
	delete(c.items, kv.key)
	c.size -= kv.size
	c.rc.ReleaseMemory(kv.size)
	c.evictions.Add(1)
}
