package grid

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"voxmesh/internal/profiling"
	"voxmesh/internal/tile"
)

// Source fills a brick of the grid on demand, e.g. from disk or a generator.
type Source interface {
	PopulateBrick(g *Grid, min, max [3]int)
}

// StreamerOptions tunes a Streamer. Zero values pick defaults.
type StreamerOptions struct {
	BrickSize  int // voxels per brick edge, multiple of LeafDim
	Workers    int
	QueueSize  int
	MaxPending int
	Logger     *slog.Logger
}

// Streamer makes bricks of a Grid resident asynchronously. Windows touching
// a brick that is not resident yet fail with ErrUnavailable and schedule the
// brick for loading.
type Streamer struct {
	grid      *Grid
	src       Source
	brickSize int
	log       *slog.Logger

	jobs       chan [3]int
	pending    map[[3]int]struct{}
	pendingMu  sync.Mutex
	maxPending int

	resident   map[[3]int]struct{}
	loading    map[[3]int]chan struct{} // closed once the brick is resident
	residentMu sync.RWMutex

	wg sync.WaitGroup
}

// NewStreamer starts background loading workers for g.
func NewStreamer(g *Grid, src Source, opts StreamerOptions) *Streamer {
	if opts.BrickSize <= 0 {
		opts.BrickSize = 4 * LeafDim
	}
	if opts.BrickSize%LeafDim != 0 {
		opts.BrickSize = (opts.BrickSize/LeafDim + 1) * LeafDim
	}
	if opts.Workers <= 0 {
		opts.Workers = max(runtime.NumCPU(), 1)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 4096
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Streamer{
		grid:       g,
		src:        src,
		brickSize:  opts.BrickSize,
		log:        opts.Logger.With("component", "grid.streamer"),
		jobs:       make(chan [3]int, opts.QueueSize),
		pending:    make(map[[3]int]struct{}),
		maxPending: opts.MaxPending,
		resident:   make(map[[3]int]struct{}),
		loading:    make(map[[3]int]chan struct{}),
	}
	for range opts.Workers {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Close stops the loading workers and waits for them to exit.
func (s *Streamer) Close() {
	close(s.jobs)
	s.wg.Wait()
}

// Grid returns the backing grid.
func (s *Streamer) Grid() *Grid {
	return s.grid
}

func (s *Streamer) worker() {
	defer s.wg.Done()
	for brick := range s.jobs {
		s.loadBrick(brick)
		s.pendingMu.Lock()
		delete(s.pending, brick)
		s.pendingMu.Unlock()
	}
}

func (s *Streamer) brickBox(brick [3]int) (min, max [3]int) {
	for a := range 3 {
		min[a] = brick[a] * s.brickSize
		max[a] = min[a] + s.brickSize - 1
	}
	return min, max
}

// loadBrick populates a brick if it is not resident yet. A brick is
// populated once; concurrent callers wait for the first load to finish.
func (s *Streamer) loadBrick(brick [3]int) {
	for {
		s.residentMu.Lock()
		if _, ok := s.resident[brick]; ok {
			s.residentMu.Unlock()
			return
		}
		if done, ok := s.loading[brick]; ok {
			s.residentMu.Unlock()
			<-done
			continue
		}
		done := make(chan struct{})
		s.loading[brick] = done
		s.residentMu.Unlock()

		min, max := s.brickBox(brick)
		s.src.PopulateBrick(s.grid, min, max)

		s.residentMu.Lock()
		s.resident[brick] = struct{}{}
		delete(s.loading, brick)
		s.residentMu.Unlock()
		close(done)
		return
	}
}

// IsResident reports whether brick has been loaded.
func (s *Streamer) IsResident(brick [3]int) bool {
	s.residentMu.RLock()
	_, ok := s.resident[brick]
	s.residentMu.RUnlock()
	return ok
}

// ResidentCount returns the number of loaded bricks.
func (s *Streamer) ResidentCount() int {
	s.residentMu.RLock()
	defer s.residentMu.RUnlock()
	return len(s.resident)
}

// BrickOf returns the brick containing voxel p.
func (s *Streamer) BrickOf(p [3]int) [3]int {
	return [3]int{
		tile.FloorDiv(p[0], s.brickSize),
		tile.FloorDiv(p[1], s.brickSize),
		tile.FloorDiv(p[2], s.brickSize),
	}
}

// request enqueues brick without blocking. It returns true if the brick was
// queued by this call.
func (s *Streamer) request(brick [3]int) bool {
	if s.IsResident(brick) {
		return false
	}

	s.pendingMu.Lock()
	if _, ok := s.pending[brick]; ok {
		s.pendingMu.Unlock()
		return false
	}
	if s.maxPending > 0 && len(s.pending) >= s.maxPending {
		s.pendingMu.Unlock()
		return false
	}
	s.pending[brick] = struct{}{}
	s.pendingMu.Unlock()

	select {
	case s.jobs <- brick:
		return true
	default:
		// queue full: rollback
		s.pendingMu.Lock()
		delete(s.pending, brick)
		s.pendingMu.Unlock()
		return false
	}
}

// windowBricks returns the bricks overlapped by the window of c.
func (s *Streamer) windowBricks(c tile.Coord, tileSize int) [][3]int {
	origin := c.Origin(tileSize)
	stride := c.Stride()
	var lo, hi [3]int
	for a := range 3 {
		lo[a] = origin[a] - Halo*stride
		hi[a] = origin[a] + (tileSize+Halo)*stride
	}
	bl, bh := s.BrickOf(lo), s.BrickOf(hi)
	var out [][3]int
	for x := bl[0]; x <= bh[0]; x++ {
		for y := bl[1]; y <= bh[1]; y++ {
			for z := bl[2]; z <= bh[2]; z++ {
				out = append(out, [3]int{x, y, z})
			}
		}
	}
	return out
}

// ReadWindow samples the window of c if every brick it touches is resident.
// Otherwise the missing bricks are requested and ErrUnavailable is returned.
func (s *Streamer) ReadWindow(ctx context.Context, c tile.Coord, tileSize int) (*Window, error) {
	missing := 0
	for _, b := range s.windowBricks(c, tileSize) {
		if !s.IsResident(b) {
			missing++
			s.request(b)
		}
	}
	if missing > 0 {
		return nil, fmt.Errorf("%w: %d bricks pending for %s", ErrUnavailable, missing, c)
	}
	return s.grid.ReadWindow(ctx, c, tileSize)
}

// LoadSync makes every brick overlapping the inclusive voxel box resident
// before it returns, loading on the calling goroutine or waiting for a load
// already in flight. Writes made afterwards are never overwritten by
// streaming.
func (s *Streamer) LoadSync(min, max [3]int) {
	defer profiling.Track("grid.LoadSync")()
	bl, bh := s.BrickOf(min), s.BrickOf(max)
	for x := bl[0]; x <= bh[0]; x++ {
		for y := bl[1]; y <= bh[1]; y++ {
			for z := bl[2]; z <= bh[2]; z++ {
				s.loadBrick([3]int{x, y, z})
			}
		}
	}
}

// StreamAround queues bricks in growing shells around voxel center, up to
// radius bricks away. It returns the number of bricks queued.
func (s *Streamer) StreamAround(center [3]int, radius int) int {
	defer profiling.Track("grid.StreamAround")()
	cb := s.BrickOf(center)
	queued := 0
	for r := 0; r <= radius; r++ {
		for dx := -r; dx <= r; dx++ {
			for dy := -r; dy <= r; dy++ {
				for dz := -r; dz <= r; dz++ {
					if max(abs(dx), abs(dy), abs(dz)) != r {
						continue
					}
					if s.request([3]int{cb[0] + dx, cb[1] + dy, cb[2] + dz}) {
						queued++
					}
				}
			}
		}
	}
	return queued
}

// EvictFar unloads bricks more than radius bricks from voxel center and drops
// their leaves from the grid. It returns the number of bricks unloaded.
func (s *Streamer) EvictFar(center [3]int, radius int) int {
	cb := s.BrickOf(center)
	far := func(b [3]int) bool {
		return max(abs(b[0]-cb[0]), abs(b[1]-cb[1]), abs(b[2]-cb[2])) > radius
	}

	s.residentMu.Lock()
	removed := 0
	for b := range s.resident {
		if far(b) {
			delete(s.resident, b)
			removed++
		}
	}
	s.residentMu.Unlock()

	if removed > 0 {
		leaves := s.grid.EvictLeaves(func(origin [3]int) bool { return far(s.BrickOf(origin)) })
		s.log.Debug("evicted bricks", "bricks", removed, "leaves", leaves)
	}
	return removed
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
