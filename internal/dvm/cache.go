package dvm

import (
	"sync"

	"github.com/grove/streamtable/internal/shm"
)

// Compiled is everything a refresh cycle needs from planning: the
// operator tree plus its pre-rendered recomputation and apply
// statements. Cached per stream table and invalidated on cache
// generation advance (spec §4.5 "Caching").
type Compiled struct {
	Root         *Node
	RecomputeSQL string
	StorageTable string
	Columns      []string
}

type cacheEntry struct {
	stamp shm.Stamp
	plan  *Compiled
}

// Cache holds one compiled plan per stream table, keyed by the DAG/cache
// generation pair observed when it was built (spec §4.5 "Caching"; spec
// §4.8 DDL hooks bump CACHE_GENERATION, catalog mutations bump
// DAG_GENERATION, so a stale entry is simply never returned).
type Cache struct {
	block *shm.Block

	mu      sync.RWMutex
	entries map[int64]cacheEntry
}

// NewCache builds an empty plan cache bound to block for staleness checks.
func NewCache(block *shm.Block) *Cache {
	return &Cache{block: block, entries: make(map[int64]cacheEntry)}
}

// Get returns the cached plan for stID if one exists and its generation
// stamp has not gone stale, evicting it first if it has.
func (c *Cache) Get(stID int64) (*Compiled, bool) {
	c.mu.RLock()
	entry, ok := c.entries[stID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.stamp.Stale(c.block) {
		c.mu.Lock()
		delete(c.entries, stID)
		c.mu.Unlock()
		return nil, false
	}
	return entry.plan, true
}

// Put installs plan for stID, stamped with the block's current
// generations so a later DDL-triggered bump evicts it automatically.
func (c *Cache) Put(stID int64, plan *Compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[stID] = cacheEntry{stamp: c.block.Observe(), plan: plan}
}

// Invalidate drops the cached plan for a single stream table, used when
// an ALTER targets it specifically rather than a schema-wide DDL event
// that will be caught by the generation bump on the next Get.
func (c *Cache) Invalidate(stID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, stID)
}

// Compile builds (or returns the cached) Compiled plan for a stream
// table's operator tree, rendering its recompute SQL once and caching
// the result until the next cache-generation bump.
func Compile(cache *Cache, stID int64, root *Node, storageTable string, columns []string) *Compiled {
	if plan, ok := cache.Get(stID); ok {
		return plan
	}
	AssignIDs(root)
	plan := &Compiled{
		Root:         root,
		RecomputeSQL: EmitRecompute(root),
		StorageTable: storageTable,
		Columns:      columns,
	}
	cache.Put(stID, plan)
	return plan
}
