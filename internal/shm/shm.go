// Package shm is the engine's only process-wide mutable state (spec §9
// "Shared state"): a handful of atomics tracking DAG generation, cache
// generation, and scheduler liveness, plus a small watcher registry
// modeled on the teacher's Engine.OnChange/notifyWatchers.
//
// Everything else belongs either to a specific stream table (catalog row
// + short-lived in-memory caches keyed by cache generation) or to a
// specific refresh invocation.
package shm

import (
	"sync"
	"sync/atomic"
	"time"
)

// Block is the shared-memory-equivalent state block. In the original
// system this lives in the host's shared memory segment and is visible
// to every backend; here it is a single process-wide value (the engine
// runs as one process per host connection, same as the scheduler's
// background worker), but the atomic discipline is identical: writers use
// release semantics, readers use acquire semantics, enforced by
// atomic.Int64's happens-before guarantees.
type Block struct {
	dagGeneration   atomic.Int64
	cacheGeneration atomic.Int64
	schedulerAlive  atomic.Bool
	lastTick        atomic.Int64 // unix nanos of the scheduler's last wake

	mu       sync.RWMutex
	watchers []func(event string)
}

// New returns a zeroed Block; generation counters start at 1 so that a
// freshly constructed cache (keyed by generation 0) is always considered
// stale on first read.
func New() *Block {
	b := &Block{}
	b.dagGeneration.Store(1)
	b.cacheGeneration.Store(1)
	return b
}

// DAGGeneration returns the current DAG_VERSION (spec §4.7 step 1).
func (b *Block) DAGGeneration() int64 { return b.dagGeneration.Load() }

// BumpDAGGeneration is called by catalog mutations that add, remove, or
// reparent a stream table.
func (b *Block) BumpDAGGeneration() int64 {
	v := b.dagGeneration.Add(1)
	b.notify("dag_generation")
	return v
}

// CacheGeneration returns CACHE_GENERATION (spec §4.5 "Caching", §4.8).
func (b *Block) CacheGeneration() int64 { return b.cacheGeneration.Load() }

// BumpCacheGeneration is called by DDL hooks on any DDL-relevant event
// (spec §4.8): ALTER/DROP on a tracked source, view or function DDL, ST
// alter/drop.
func (b *Block) BumpCacheGeneration() int64 {
	v := b.cacheGeneration.Add(1)
	b.notify("cache_generation")
	return v
}

// SetSchedulerAlive records scheduler liveness for health reporting.
func (b *Block) SetSchedulerAlive(alive bool) {
	b.schedulerAlive.Store(alive)
	if alive {
		b.lastTick.Store(time.Now().UnixNano())
	}
}

// SchedulerAlive reports whether the background worker is currently
// running its loop.
func (b *Block) SchedulerAlive() bool { return b.schedulerAlive.Load() }

// LastTick returns when the scheduler last completed a wake cycle.
func (b *Block) LastTick() time.Time {
	ns := b.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// OnChange registers a callback invoked (on its own goroutine, same as
// the teacher's notifyWatchers) whenever a generation counter advances.
// dvm.Cache does not register one; it compares its Stamp against the
// Block on every Get.
func (b *Block) OnChange(fn func(event string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, fn)
}

func (b *Block) notify(event string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.watchers {
		go fn(event)
	}
}

// Stamp is a reader's locally cached copy of the generations it last
// observed, used to decide whether a per-backend cache needs flushing.
type Stamp struct {
	DAG   int64
	Cache int64
}

// Observe returns the current generations as a Stamp.
func (b *Block) Observe() Stamp {
	return Stamp{DAG: b.DAGGeneration(), Cache: b.CacheGeneration()}
}

// Stale reports whether the Block has advanced past s — i.e. whether a
// cache keyed by s should be discarded before its next use.
func (s Stamp) Stale(b *Block) bool {
	return s.DAG != b.DAGGeneration() || s.Cache != b.CacheGeneration()
}
