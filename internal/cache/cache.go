package cache

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"voxmesh/internal/meshing"
	"voxmesh/internal/profiling"
	"voxmesh/internal/tile"
)

// Options configure a Cache.
type Options struct {
	// Budget bounds the total Fragment.Bytes of cached fragments.
	Budget int64
	// Index, when set, restricts eviction to Ready and Stale tiles and moves
	// evicted tiles to Absent.
	Index *tile.Index
	// OnFree runs once a fragment has left the cache and its last handle is
	// released, e.g. to delete GPU buffers.
	OnFree func(*meshing.Fragment)
	Logger *slog.Logger
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries   int
	Bytes     int64
	Budget    int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type table map[tile.Coord]*entry

// Cache owns published fragments keyed by tile. Readers look entries up in
// an immutable map swapped atomically on every publish, so Get never waits
// on writers. Writers serialise on a mutex that is never held during
// extraction.
type Cache struct {
	entries atomic.Pointer[table]
	tick    atomic.Uint64

	mu     sync.Mutex // writers
	bytes  int64
	budget atomic.Int64

	index  *tile.Index
	onFree func(*meshing.Fragment)
	log    *slog.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates an empty cache.
func New(opts Options) *Cache {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		index:  opts.Index,
		onFree: opts.OnFree,
		log:    log.With("component", "cache"),
	}
	c.budget.Store(opts.Budget)
	empty := table{}
	c.entries.Store(&empty)
	return c
}

// Get returns a handle to the fragment of t, or false when none is cached.
// It never blocks. The handle stays valid until released, even if the entry
// is replaced or evicted meanwhile.
func (c *Cache) Get(t tile.Coord) (*Handle, bool) {
	e, ok := (*c.entries.Load())[t]
	if !ok || !e.acquire() {
		c.misses.Add(1)
		return nil, false
	}
	e.lastUsed.Store(c.tick.Add(1))
	c.hits.Add(1)
	return &Handle{e: e}, true
}

// Contains reports whether t has a cached fragment without touching recency.
func (c *Cache) Contains(t tile.Coord) bool {
	_, ok := (*c.entries.Load())[t]
	return ok
}

// Put publishes frag for its tile, replacing any previous fragment, and
// runs an eviction pass.
func (c *Cache) Put(frag *meshing.Fragment) {
	defer profiling.Track("cache.Put")()
	e := newEntry(frag, c.onFree)
	e.lastUsed.Store(c.tick.Add(1))

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cloneLocked()
	if old, ok := next[frag.Coord]; ok {
		c.bytes -= old.bytes
		defer old.release()
	}
	next[frag.Coord] = e
	c.bytes += e.bytes
	c.evictLocked(next)
	c.entries.Store(&next)
}

// CompareAndPut replaces the fragment of next's tile only if prev is still
// the cached one. It reports whether the swap happened.
func (c *Cache) CompareAndPut(prev, next *meshing.Fragment) bool {
	e := newEntry(next, c.onFree)
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := (*c.entries.Load())[next.Coord]
	if !ok || old.frag != prev {
		return false
	}
	e.lastUsed.Store(old.lastUsed.Load())
	updated := c.cloneLocked()
	updated[next.Coord] = e
	c.bytes += e.bytes - old.bytes
	c.evictLocked(updated)
	c.entries.Store(&updated)
	old.release()
	return true
}

// Remove drops the fragment of t. It reports whether one was cached.
func (c *Cache) Remove(t tile.Coord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.entries.Load()
	old, ok := cur[t]
	if !ok {
		return false
	}
	next := c.cloneLocked()
	delete(next, t)
	c.bytes -= old.bytes
	c.entries.Store(&next)
	old.release()
	return true
}

// SetBudget changes the byte budget. The new value applies from the next
// eviction pass.
func (c *Cache) SetBudget(bytes int64) {
	c.budget.Store(bytes)
}

// Budget returns the current byte budget.
func (c *Cache) Budget() int64 {
	return c.budget.Load()
}

// Trim runs an eviction pass and returns the number of evicted fragments.
func (c *Cache) Trim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bytes <= c.budget.Load() {
		return 0
	}
	next := c.cloneLocked()
	n := c.evictLocked(next)
	if n > 0 {
		c.entries.Store(&next)
	}
	return n
}

// Clear drops every fragment regardless of tile state.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := *c.entries.Load()
	empty := table{}
	c.entries.Store(&empty)
	c.bytes = 0
	for _, e := range old {
		e.release()
	}
}

// Bytes returns the total size of cached fragments.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Len returns the number of cached fragments.
func (c *Cache) Len() int {
	return len(*c.entries.Load())
}

// Coords returns the cached tiles in coordinate order.
func (c *Cache) Coords() []tile.Coord {
	cur := *c.entries.Load()
	out := make([]tile.Coord, 0, len(cur))
	for t := range cur {
		out = append(out, t)
	}
	slices.SortFunc(out, compareCoord)
	return out
}

// Stats returns counters and sizes.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	b := c.bytes
	c.mu.Unlock()
	return Stats{
		Entries:   c.Len(),
		Bytes:     b,
		Budget:    c.Budget(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) cloneLocked() table {
	cur := *c.entries.Load()
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// evictLocked removes least recently used fragments from next until the
// budget holds or only pinned tiles remain. A tile is pinned unless the
// index shows it Ready or Stale; pinned tiles keep the cache over budget.
func (c *Cache) evictLocked(next table) int {
	budget := c.budget.Load()
	if c.bytes <= budget {
		return 0
	}
	defer profiling.Track("cache.evict")()

	type candidate struct {
		coord tile.Coord
		used  uint64
	}
	cands := make([]candidate, 0, len(next))
	for t, e := range next {
		cands = append(cands, candidate{coord: t, used: e.lastUsed.Load()})
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if a.used != b.used {
			if a.used < b.used {
				return -1
			}
			return 1
		}
		return compareCoord(a.coord, b.coord)
	})

	evicted := 0
	for _, cand := range cands {
		if c.bytes <= budget {
			break
		}
		if !c.releaseTile(cand.coord) {
			continue
		}
		e := next[cand.coord]
		delete(next, cand.coord)
		c.bytes -= e.bytes
		e.release()
		evicted++
	}
	c.evictions.Add(uint64(evicted))
	if evicted > 0 {
		c.log.Debug("evicted fragments", "count", evicted, "bytes", c.bytes, "budget", budget)
	}
	return evicted
}

// releaseTile moves t to Absent if it is Ready or Stale.
func (c *Cache) releaseTile(t tile.Coord) bool {
	if c.index == nil {
		return true
	}
	for _, from := range []tile.State{tile.Ready, tile.Stale} {
		if c.index.Transition(t, from, tile.Absent) == nil {
			return true
		}
	}
	return false
}

func compareCoord(a, b tile.Coord) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
