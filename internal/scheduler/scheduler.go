package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"voxmesh/internal/cache"
	"voxmesh/internal/grid"
	"voxmesh/internal/meshing"
	"voxmesh/internal/profiling"
	"voxmesh/internal/tile"
)

// Options configure a Scheduler.
type Options struct {
	Workers    int
	QueueLimit int // pending jobs beyond this are shed, worst priority first
	TileSize   int
	IsoValue   float32

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Neighbors lists the coarser neighbours a fresh fragment is stitched
	// against. Nil means no stitching.
	Neighbors func(tile.Coord) []meshing.Neighbor
	// OnPublished runs on the worker after a fragment reached the cache.
	OnPublished func(*meshing.Fragment)

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = 4096
	}
	if o.TileSize <= 0 {
		o.TileSize = 16
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 100 * o.BackoffBase
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats summarises scheduler activity.
type Stats struct {
	Pending int // jobs waiting for a worker
	Delayed int // jobs waiting out a retry backoff
	Running int // jobs a worker has popped and not finished

	Extracted  uint64
	Dropped    uint64
	Retried    uint64
	Superseded uint64

	// QueuedFor is how long jobs waited before a worker picked them up.
	QueuedFor profiling.Summary
}

type job struct {
	coord    tile.Coord
	priority float64
	seq      uint64
	queued   time.Time
}

func jobLess(a, b job) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// Scheduler turns Queued tiles into published fragments on a bounded pool
// of workers. It learns about Queued tiles from the index's transition
// events, so any component that requeues a tile through the index gets it
// meshed.
type Scheduler struct {
	index    *tile.Index
	cache    *cache.Cache
	grid     grid.Accessor
	resolver *meshing.Resolver
	opts     Options
	log      *slog.Logger

	iso        atomic.Uint32 // float32 bits
	generation atomic.Uint64

	mu       sync.Mutex
	queue    *btree.BTreeG[job]
	pending  map[tile.Coord]job
	priority map[tile.Coord]float64 // last requested priority
	attempts map[tile.Coord]int
	delayed  map[tile.Coord]*time.Timer
	seq      uint64
	wake     chan struct{}

	group  *errgroup.Group
	cancel context.CancelFunc

	queuedFor  *profiling.Histogram
	extracted  atomic.Uint64
	dropped    atomic.Uint64
	retried    atomic.Uint64
	superseded atomic.Uint64
	running    atomic.Int32
}

// New creates a scheduler and subscribes it to index. Workers start with
// Start.
func New(index *tile.Index, c *cache.Cache, acc grid.Accessor, res *meshing.Resolver, opts Options) *Scheduler {
	opts.setDefaults()
	s := &Scheduler{
		index:     index,
		cache:     c,
		grid:      acc,
		resolver:  res,
		opts:      opts,
		log:       opts.Logger.With("component", "scheduler"),
		queue:     btree.NewG(16, jobLess),
		pending:   make(map[tile.Coord]job),
		priority:  make(map[tile.Coord]float64),
		attempts:  make(map[tile.Coord]int),
		delayed:   make(map[tile.Coord]*time.Timer),
		wake:      make(chan struct{}, 1),
		queuedFor: profiling.NewHistogram(1024),
	}
	s.SetIsoValue(opts.IsoValue)
	index.Subscribe(s.onTransition)
	return s
}

// SetIsoValue changes the threshold used by jobs that start afterwards.
func (s *Scheduler) SetIsoValue(v float32) {
	s.iso.Store(math.Float32bits(v))
}

// IsoValue returns the current extraction threshold.
func (s *Scheduler) IsoValue() float32 {
	return math.Float32frombits(s.iso.Load())
}

// Start launches the workers. They run until ctx is cancelled or Close.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g
	for i := range s.opts.Workers {
		g.Go(func() error {
			return s.worker(ctx, i)
		})
	}
	s.log.Info("scheduler started", "workers", s.opts.Workers, "queue_limit", s.opts.QueueLimit)
}

// Close stops the workers, waits for running jobs to finish and cancels
// pending retries. Tiles keep their current state.
func (s *Scheduler) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.group.Wait()
	s.cancel, s.group = nil, nil

	s.mu.Lock()
	for c, t := range s.delayed {
		t.Stop()
		delete(s.delayed, c)
	}
	s.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Clear forgets every pending job. Call it after Close and before the
// index is reset.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Clear(false)
	clear(s.pending)
	clear(s.priority)
	clear(s.attempts)
	for c, t := range s.delayed {
		t.Stop()
		delete(s.delayed, c)
	}
}

// Request asks for c to be meshed with the given priority; lower values
// run first. Requests for a tile that is already Queued or Meshing
// collapse into the existing job, keeping the better priority.
func (s *Scheduler) Request(c tile.Coord, priority float64) {
	s.mu.Lock()
	if j, ok := s.pending[c]; ok {
		if priority < j.priority {
			s.queue.Delete(j)
			j.priority = priority
			s.queue.ReplaceOrInsert(j)
			s.pending[c] = j
		}
		s.priority[c] = j.priority
		s.mu.Unlock()
		return
	}
	s.priority[c] = priority
	s.mu.Unlock()

	// the transition event enqueues the job
	for _, from := range []tile.State{tile.Absent, tile.Stale} {
		if s.index.Transition(c, from, tile.Queued) == nil {
			return
		}
	}
}

// Forget drops the remembered priority of c, e.g. once it is hidden.
func (s *Scheduler) Forget(c tile.Coord) {
	s.mu.Lock()
	if _, ok := s.pending[c]; !ok {
		delete(s.priority, c)
	}
	s.mu.Unlock()
}

func (s *Scheduler) onTransition(ev tile.Event) {
	if ev.To != tile.Queued {
		return
	}
	s.mu.Lock()
	if _, waiting := s.delayed[ev.Coord]; waiting {
		s.mu.Unlock()
		return
	}
	dropped, ok := s.enqueueLocked(ev.Coord)
	s.mu.Unlock()
	if ok {
		s.drop(dropped)
	}
	s.signal()
}

// enqueueLocked adds a job for c and returns the job shed to honour the
// queue limit, if any.
func (s *Scheduler) enqueueLocked(c tile.Coord) (job, bool) {
	if _, ok := s.pending[c]; ok {
		return job{}, false
	}
	prio, ok := s.priority[c]
	if !ok {
		prio = math.MaxFloat64
	}
	s.seq++
	j := job{coord: c, priority: prio, seq: s.seq, queued: time.Now()}
	s.queue.ReplaceOrInsert(j)
	s.pending[c] = j
	if s.queue.Len() <= s.opts.QueueLimit {
		return job{}, false
	}
	worst, _ := s.queue.DeleteMax()
	delete(s.pending, worst.coord)
	delete(s.priority, worst.coord)
	delete(s.attempts, worst.coord)
	return worst, true
}

// drop sheds a pending job: the tile reverts to Absent and loses any
// degraded fragment, to be requested again later.
func (s *Scheduler) drop(j job) {
	if err := s.index.Transition(j.coord, tile.Queued, tile.Absent); err != nil {
		s.log.Warn("shed job lost its tile", "tile", j.coord, "err", err)
		return
	}
	s.cache.Remove(j.coord)
	s.dropped.Add(1)
	s.log.Debug("queue full, shed job", "tile", j.coord, "priority", j.priority)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until a job is available or ctx ends.
func (s *Scheduler) next(ctx context.Context) (job, bool) {
	for {
		s.mu.Lock()
		j, ok := s.queue.DeleteMin()
		if ok {
			delete(s.pending, j.coord)
			s.running.Add(1)
			more := s.queue.Len() > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return j, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return job{}, false
		case <-s.wake:
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) error {
	log := s.log.With("worker", id)
	for {
		j, ok := s.next(ctx)
		if !ok {
			return ctx.Err()
		}
		s.run(ctx, log, j)
	}
}

func (s *Scheduler) run(ctx context.Context, log *slog.Logger, j job) {
	defer s.running.Add(-1)
	c := j.coord
	if err := s.index.EnterMeshing(c); err != nil {
		// the tile left Queued since it was popped
		log.Debug("skip job", "tile", c, "err", err)
		return
	}
	s.queuedFor.Observe(time.Since(j.queued))
	// edits reach the grid before they are reported, so the read below
	// already sees everything that superseded an earlier job
	s.index.TakeSuperseded(c)

	win, err := s.grid.ReadWindow(ctx, c, s.opts.TileSize)
	if err != nil {
		s.retry(log, c, err)
		return
	}

	frag := meshing.Extract(win, c.LOD, meshing.Options{IsoValue: s.IsoValue()})
	frag.Generation = s.generation.Add(1)
	if s.opts.Neighbors != nil {
		frag = s.resolver.Stitch(frag, s.opts.Neighbors(c))
	}
	s.cache.Put(frag)
	s.extracted.Add(1)

	s.mu.Lock()
	delete(s.attempts, c)
	s.mu.Unlock()
	to, err := s.index.FinishMeshing(c)
	if err != nil {
		panic(err)
	}
	if to == tile.Queued {
		s.superseded.Add(1)
	}
	// the tile is unpinned now, so a budget it held open can be enforced
	if n := s.cache.Trim(); n > 0 {
		log.Debug("evicted after publish", "tile", c, "fragments", n)
	}
	if s.opts.OnPublished != nil {
		s.opts.OnPublished(frag)
	}
}

// retry returns c to Queued and re-enqueues it after an exponential
// backoff. The worker moves on immediately.
func (s *Scheduler) retry(log *slog.Logger, c tile.Coord, cause error) {
	s.retried.Add(1)
	s.mu.Lock()
	n := s.attempts[c]
	s.attempts[c] = n + 1
	delay := s.backoff(n)
	t := time.AfterFunc(delay, func() { s.release(c) })
	s.delayed[c] = t
	s.mu.Unlock()

	if errors.Is(cause, grid.ErrUnavailable) {
		log.Debug("grid not resident, retrying", "tile", c, "attempt", n+1, "delay", delay)
	} else {
		log.Warn("window read failed, retrying", "tile", c, "attempt", n+1, "delay", delay, "err", cause)
	}
	if err := s.index.ExitMeshing(c, tile.Queued); err != nil {
		panic(err)
	}
}

// release ends the backoff of c and queues it again.
func (s *Scheduler) release(c tile.Coord) {
	s.mu.Lock()
	if _, ok := s.delayed[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.delayed, c)
	var dropped job
	shed := false
	if s.index.State(c) == tile.Queued {
		dropped, shed = s.enqueueLocked(c)
	}
	s.mu.Unlock()
	if shed {
		s.drop(dropped)
	}
	s.signal()
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.opts.BackoffBase
	for range attempt {
		d *= 2
		if d >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	return d
}

// Stats returns a snapshot of queue sizes and counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	pending, delayed := s.queue.Len(), len(s.delayed)
	s.mu.Unlock()
	return Stats{
		Pending:    pending,
		Delayed:    delayed,
		Running:    int(s.running.Load()),
		Extracted:  s.extracted.Load(),
		Dropped:    s.dropped.Load(),
		Retried:    s.retried.Load(),
		Superseded: s.superseded.Load(),
		QueuedFor:  s.queuedFor.Summary(),
	}
}
