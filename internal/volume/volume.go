package volume

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voxmesh/internal/cache"
	"voxmesh/internal/config"
	"voxmesh/internal/dirty"
	"voxmesh/internal/grid"
	"voxmesh/internal/meshing"
	"voxmesh/internal/scheduler"
	"voxmesh/internal/tile"
)

// Options configure a Volume.
type Options struct {
	Config config.Config
	Grid   grid.Accessor
	Logger *slog.Logger

	// OnFree runs when a fragment can no longer be reached by anyone, e.g.
	// to release its GPU buffers.
	OnFree func(*meshing.Fragment)
	// OnPublished runs after a fragment replaced the one the renderer sees.
	OnPublished func(*meshing.Fragment)
}

// Stats is a snapshot of the whole volume.
type Stats struct {
	ID         uuid.UUID
	Tiles      map[tile.State]int
	Cache      cache.Stats
	Scheduler  scheduler.Stats
	SkirtHits  uint64
	SkirtMiss  uint64
	Restitched uint64
	Edits      uint64
}

// Volume is the renderer-facing meshing core of one sparse volume: its
// tile index, mesh cache, scheduler, dirty tracker and seam resolver.
// Nothing is shared between volumes.
type Volume struct {
	id  uuid.UUID
	cfg config.Config
	log *slog.Logger

	index    *tile.Index
	cache    *cache.Cache
	resolver *meshing.Resolver
	sched    *scheduler.Scheduler
	tracker  *dirty.Tracker

	onPublished func(*meshing.Fragment)
	restitched  atomic.Uint64

	mu      sync.Mutex // lifecycle
	running bool
}

// New builds a volume over opts.Grid. Call Start to begin meshing.
func New(opts Options) (*Volume, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Grid == nil {
		return nil, errors.New("volume: nil grid accessor")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	log := logger.With("volume", id.String())

	v := &Volume{
		id:          id,
		cfg:         cfg,
		log:         log,
		index:       tile.NewIndex(),
		resolver:    meshing.NewResolver(cfg.TileSize, cfg.SkirtCacheEntries),
		onPublished: opts.OnPublished,
	}
	v.cache = cache.New(cache.Options{
		Budget: cfg.CacheBudgetBytes,
		Index:  v.index,
		OnFree: opts.OnFree,
		Logger: log,
	})
	v.sched = scheduler.New(v.index, v.cache, opts.Grid, v.resolver, scheduler.Options{
		Workers:     cfg.Workers,
		QueueLimit:  cfg.QueueLimit,
		TileSize:    cfg.TileSize,
		IsoValue:    cfg.IsoValue,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		Neighbors:   v.neighbors,
		OnPublished: v.published,
		Logger:      log,
	})
	v.tracker = dirty.NewTracker(v.index, cfg.TileSize, cfg.MaxLOD, log)
	return v, nil
}

// ID identifies the volume in logs.
func (v *Volume) ID() uuid.UUID {
	return v.id
}

// TileSize returns the samples per tile edge.
func (v *Volume) TileSize() int {
	return v.cfg.TileSize
}

// Start launches the meshing workers.
func (v *Volume) Start(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return
	}
	v.sched.Start(ctx)
	v.running = true
	v.log.Info("volume started", "tile_size", v.cfg.TileSize, "max_lod", v.cfg.MaxLOD,
		"budget", v.cfg.CacheBudgetBytes)
}

// RequestVisible registers interest in c. Lower priorities mesh first,
// typically the distance to the viewer. Repeated calls are harmless.
func (v *Volume) RequestVisible(c tile.Coord, priority float64) {
	if c.LOD < 0 || c.LOD > v.cfg.MaxLOD {
		v.log.Warn("request outside lod range ignored", "tile", c, "max_lod", v.cfg.MaxLOD)
		return
	}
	v.index.SetVisible(c, true)
	v.sched.Request(c, priority)
}

// Hide withdraws interest in c. Its fragment stays cached until evicted.
func (v *Volume) Hide(c tile.Coord) {
	v.index.SetVisible(c, false)
	v.sched.Forget(c)
}

// ReadyFragment returns the latest fragment of c without blocking. While a
// tile is being re-meshed this is its previous fragment. Callers must
// Release the handle.
func (v *Volume) ReadyFragment(c tile.Coord) (*cache.Handle, bool) {
	return v.cache.Get(c)
}

// State returns the lifecycle state of c.
func (v *Volume) State(c tile.Coord) tile.State {
	return v.index.State(c)
}

// NotifyEdit invalidates the tiles whose windows read r. The grid must
// already contain the edit.
func (v *Volume) NotifyEdit(r dirty.Region) dirty.Result {
	return v.tracker.NotifyEdit(r)
}

// SetCacheBudget changes the byte budget; it applies on the next eviction
// pass.
func (v *Volume) SetCacheBudget(bytes int64) {
	v.cache.SetBudget(bytes)
}

// TrimCache runs an eviction pass now.
func (v *Volume) TrimCache() int {
	return v.cache.Trim()
}

// SetIsoValue changes the surface threshold and rebuilds every tile.
func (v *Volume) SetIsoValue(iso float32) {
	if iso == v.sched.IsoValue() {
		return
	}
	v.sched.SetIsoValue(iso)
	res := v.tracker.Invalidate(v.index.Coords())
	v.log.Info("iso value changed", "iso", iso, "staled", res.Staled, "requeued", res.Requeued)
}

// Idle reports whether no tile is waiting for or undergoing meshing.
func (v *Volume) Idle() bool {
	counts := v.index.Counts()
	st := v.sched.Stats()
	return counts[tile.Queued] == 0 && counts[tile.Meshing] == 0 && st.Pending == 0 && st.Delayed == 0 && st.Running == 0
}

// WaitIdle polls Idle until it holds or ctx ends.
func (v *Volume) WaitIdle(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for !v.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Unload stops meshing and drops every tile and fragment. The volume can be
// started again afterwards.
func (v *Volume) Unload() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := v.sched.Close()
	v.sched.Clear()
	v.cache.Clear()
	v.index.Reset()
	v.running = false
	v.log.Info("volume unloaded")
	return err
}

// Stats returns a snapshot of every component.
func (v *Volume) Stats() Stats {
	hits, misses := v.resolver.Stats()
	return Stats{
		ID:         v.id,
		Tiles:      v.index.Counts(),
		Cache:      v.cache.Stats(),
		Scheduler:  v.sched.Stats(),
		SkirtHits:  hits,
		SkirtMiss:  misses,
		Restitched: v.restitched.Load(),
		Edits:      v.tracker.Edits(),
	}
}

// Coords lists the tiles with a cached fragment.
func (v *Volume) Coords() []tile.Coord {
	return v.cache.Coords()
}
