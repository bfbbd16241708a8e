package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxmesh/internal/cache"
	"voxmesh/internal/grid"
	"voxmesh/internal/meshing"
	"voxmesh/internal/tile"
)

const testTileSize = 8

func plane(height float64) func(x, y, z int) float32 {
	return func(_, y, _ int) float32 {
		return float32(0.5 + 0.1*(height-float64(y)))
	}
}

// fakeGrid serves windows from a field function and can fail or stall
// selected reads.
type fakeGrid struct {
	field func(x, y, z int) float32

	mu          sync.Mutex
	unavailable map[tile.Coord]int // failures left per tile
	reads       map[tile.Coord]int
	inflight    map[tile.Coord]int
	maxInflight int
	gate        chan struct{} // when set, the first read waits on it
}

func newFakeGrid(field func(x, y, z int) float32) *fakeGrid {
	return &fakeGrid{
		field:       field,
		unavailable: make(map[tile.Coord]int),
		reads:       make(map[tile.Coord]int),
		inflight:    make(map[tile.Coord]int),
	}
}

func (g *fakeGrid) ReadWindow(_ context.Context, c tile.Coord, tileSize int) (*grid.Window, error) {
	g.mu.Lock()
	g.reads[c]++
	first := g.reads[c] == 1
	g.inflight[c]++
	g.maxInflight = max(g.maxInflight, g.inflight[c])
	fail := g.unavailable[c] > 0
	if fail {
		g.unavailable[c]--
	}
	gate := g.gate
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inflight[c]--
		g.mu.Unlock()
	}()

	if first && gate != nil {
		<-gate
	}
	if fail {
		return nil, fmt.Errorf("read %s: %w", c, grid.ErrUnavailable)
	}
	w := grid.NewWindow(c, tileSize)
	w.Fill(g.field)
	return w, nil
}

func (g *fakeGrid) readCount(c tile.Coord) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads[c]
}

type harness struct {
	s     *Scheduler
	index *tile.Index
	cache *cache.Cache
	grid  *fakeGrid
}

func newHarness(t *testing.T, g *fakeGrid, opts Options) *harness {
	t.Helper()
	ix := tile.NewIndex()
	c := cache.New(cache.Options{Budget: 1 << 30, Index: ix})
	opts.TileSize = testTileSize
	opts.IsoValue = 0.5
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
		opts.BackoffMax = 4 * time.Millisecond
	}
	s := New(ix, c, g, meshing.NewResolver(testTileSize, 64), opts)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return &harness{s: s, index: ix, cache: c, grid: g}
}

func (h *harness) waitReady(t *testing.T, coords ...tile.Coord) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, c := range coords {
			if h.index.State(c) != tile.Ready {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
}

func TestPublishesRequestedTiles(t *testing.T) {
	h := newHarness(t, newFakeGrid(plane(3.5)), Options{Workers: 4})
	h.s.Start(context.Background())

	var coords []tile.Coord
	for x := range 4 {
		for z := range 2 {
			c := tile.Coord{X: x, Z: z}
			coords = append(coords, c)
			h.s.Request(c, float64(x))
		}
	}
	h.waitReady(t, coords...)
	for _, c := range coords {
		hd, ok := h.cache.Get(c)
		require.True(t, ok, "ready tile %s not cached", c)
		assert.False(t, hd.Fragment().Empty())
		assert.NotZero(t, hd.Fragment().Generation)
		hd.Release()
	}
	st := h.s.Stats()
	assert.Equal(t, uint64(len(coords)), st.Extracted)
	assert.Equal(t, int64(len(coords)), st.QueuedFor.Count)
	assert.Zero(t, st.Pending)
}

func TestDuplicateRequestsCollapse(t *testing.T) {
	h := newHarness(t, newFakeGrid(plane(3.5)), Options{Workers: 2})
	c := tile.Coord{Y: -1}
	for range 5 {
		h.s.Request(c, 1)
	}
	assert.Equal(t, 1, h.s.Stats().Pending)

	h.s.Start(context.Background())
	h.waitReady(t, c)
	h.s.Request(c, 1) // Ready tiles need no job
	assert.Equal(t, 1, h.grid.readCount(c))
	assert.Equal(t, uint64(1), h.s.Stats().Extracted)
}

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	var mu sync.Mutex
	var order []tile.Coord
	h := newHarness(t, newFakeGrid(plane(3.5)), Options{
		Workers: 1,
		OnPublished: func(f *meshing.Fragment) {
			mu.Lock()
			order = append(order, f.Coord)
			mu.Unlock()
		},
	})
	a, b, c, d, e := tile.Coord{X: 0}, tile.Coord{X: 1}, tile.Coord{X: 2}, tile.Coord{X: 3}, tile.Coord{X: 4}
	h.s.Request(a, 2)
	h.s.Request(b, 1)
	h.s.Request(c, 1)
	h.s.Request(d, 0)
	h.s.Request(e, 5)
	h.s.Request(e, 1.5) // collapses, keeping the better priority

	h.s.Start(context.Background())
	h.waitReady(t, a, b, c, d, e)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []tile.Coord{d, b, c, e, a}, order)
}

func TestQueueLimitShedsWorstJob(t *testing.T) {
	h := newHarness(t, newFakeGrid(plane(3.5)), Options{Workers: 1, QueueLimit: 2})
	worst := tile.Coord{X: 3}
	h.cache.Put(&meshing.Fragment{Coord: worst, Indices: []uint32{0, 0, 0}})

	h.s.Request(tile.Coord{X: 1}, 1)
	h.s.Request(tile.Coord{X: 2}, 2)
	h.s.Request(worst, 3)

	st := h.s.Stats()
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, tile.Absent, h.index.State(worst))
	assert.False(t, h.cache.Contains(worst), "shed tile keeps no degraded fragment")

	// shed tiles can be requested again
	h.s.Start(context.Background())
	h.waitReady(t, tile.Coord{X: 1}, tile.Coord{X: 2})
	h.s.Request(worst, 0)
	h.waitReady(t, worst)
}

func TestUnavailableRegionRetries(t *testing.T) {
	g := newFakeGrid(plane(3.5))
	c := tile.Coord{Z: 4}
	g.unavailable[c] = 3
	h := newHarness(t, g, Options{Workers: 2})
	h.s.Start(context.Background())
	h.s.Request(c, 0)

	h.waitReady(t, c)
	assert.Equal(t, 4, g.readCount(c))
	st := h.s.Stats()
	assert.Equal(t, uint64(3), st.Retried)
	assert.Equal(t, uint64(1), st.Extracted)
	assert.Zero(t, st.Delayed)
}

func TestBackoffIsCapped(t *testing.T) {
	h := newHarness(t, newFakeGrid(plane(3.5)), Options{BackoffBase: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, h.s.backoff(0))
	assert.Equal(t, 20*time.Millisecond, h.s.backoff(1))
	assert.Equal(t, 40*time.Millisecond, h.s.backoff(2))
	assert.Equal(t, 50*time.Millisecond, h.s.backoff(3))
	assert.Equal(t, 50*time.Millisecond, h.s.backoff(30))
}

func TestSupersededJobPublishesThenRequeues(t *testing.T) {
	g := newFakeGrid(plane(3.5))
	g.gate = make(chan struct{})
	var published atomic.Int32
	h := newHarness(t, g, Options{
		Workers:     1,
		OnPublished: func(*meshing.Fragment) { published.Add(1) },
	})
	c := tile.Coord{}
	h.s.Start(context.Background())
	h.s.Request(c, 0)

	require.Eventually(t, func() bool { return h.index.State(c) == tile.Meshing }, time.Second, time.Millisecond)
	require.True(t, h.index.MarkSuperseded(c))
	close(g.gate)

	h.waitReady(t, c)
	assert.Equal(t, int32(2), published.Load())
	st := h.s.Stats()
	assert.Equal(t, uint64(1), st.Superseded)
	assert.Equal(t, uint64(2), st.Extracted)
	assert.Equal(t, 2, g.readCount(c))
}

func TestAtMostOneJobPerTileUnderChurn(t *testing.T) {
	g := newFakeGrid(plane(3.5))
	h := newHarness(t, g, Options{Workers: 8})
	h.s.Start(context.Background())

	coords := []tile.Coord{{}, {X: 1}, {Y: 1}, {Z: -1}}
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 300 {
				c := coords[(i+w)%len(coords)]
				switch h.index.State(c) {
				case tile.Ready:
					if h.index.Transition(c, tile.Ready, tile.Stale) == nil {
						h.s.Request(c, float64(i))
					}
				case tile.Queued, tile.Meshing:
					h.index.MarkSuperseded(c)
				default:
					h.s.Request(c, float64(i))
				}
			}
		}()
	}
	wg.Wait()

	h.waitReady(t, coords...)
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, 1, g.maxInflight)
	for _, c := range coords {
		assert.True(t, h.cache.Contains(c))
	}
}

func TestStitchesAgainstCoarseNeighbour(t *testing.T) {
	fine := tile.Coord{X: 1}
	coarse := fine.Neighbor(tile.FacePosX).Parent()
	h := newHarness(t, newFakeGrid(plane(3.5)), Options{
		Workers: 1,
		Neighbors: func(c tile.Coord) []meshing.Neighbor {
			if c != fine {
				return nil
			}
			return []meshing.Neighbor{{Face: tile.FacePosX, Coord: coarse}}
		},
	})
	h.s.Start(context.Background())
	h.s.Request(fine, 0)
	h.waitReady(t, fine)

	hd, ok := h.cache.Get(fine)
	require.True(t, ok)
	defer hd.Release()
	require.Len(t, hd.Fragment().Skirts, 1)
	assert.Equal(t, coarse, hd.Fragment().Skirts[0].Neighbor)
}

func TestIsoValueAppliesToLaterJobs(t *testing.T) {
	h := newHarness(t, newFakeGrid(plane(3.5)), Options{Workers: 1})
	h.s.SetIsoValue(0.3) // plane now sits at y=5.5
	assert.Equal(t, float32(0.3), h.s.IsoValue())
	h.s.Start(context.Background())
	c := tile.Coord{}
	h.s.Request(c, 0)
	h.waitReady(t, c)

	hd, ok := h.cache.Get(c)
	require.True(t, ok)
	defer hd.Release()
	for _, p := range hd.Fragment().Positions {
		assert.InDelta(t, 5.5, p.Y(), 1e-4)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, newFakeGrid(plane(3.5)), Options{})
	h.s.Start(context.Background())
	require.NoError(t, h.s.Close())
	require.NoError(t, h.s.Close())
}
