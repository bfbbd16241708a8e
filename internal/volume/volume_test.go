package volume

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxmesh/internal/config"
	"voxmesh/internal/dirty"
	"voxmesh/internal/grid"
	"voxmesh/internal/meshing"
	"voxmesh/internal/tile"
)

const waitFor = 10 * time.Second

func testConfig(tileSize int) config.Config {
	cfg := config.Default()
	cfg.TileSize = tileSize
	cfg.Workers = 4
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}

func newVolume(t *testing.T, acc grid.Accessor, cfg config.Config, opts ...func(*Options)) *Volume {
	t.Helper()
	o := Options{Config: cfg, Grid: acc, Logger: slog.New(slog.DiscardHandler)}
	for _, fn := range opts {
		fn(&o)
	}
	v, err := New(o)
	require.NoError(t, err)
	v.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, v.Unload()) })
	return v
}

func waitIdle(t *testing.T, v *Volume) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, v.WaitIdle(ctx, time.Millisecond))
}

func fillField(g *grid.Grid, lo, hi [3]int, fn func(x, y, z int) float32) {
	g.Fill(lo, hi, func(x, y, z int) (float32, uint16, bool) {
		return fn(x, y, z), 0, true
	})
}

func cube(lo, hi int) ([3]int, [3]int) {
	return [3]int{lo, lo, lo}, [3]int{hi, hi, hi}
}

func plane(height float64) func(x, y, z int) float32 {
	return func(_, y, _ int) float32 {
		return float32(0.5 + 0.1*(height-float64(y)))
	}
}

// fragmentOf returns what the renderer would see for c.
func fragmentOf(v *Volume, c tile.Coord) (*meshing.Fragment, bool) {
	h, ok := v.ReadyFragment(c)
	if !ok {
		return nil, false
	}
	defer h.Release()
	return h.Fragment(), true
}

// gatedGrid blocks reads while its gate is set.
type gatedGrid struct {
	grid.Accessor
	mu   sync.Mutex
	gate chan struct{}
}

func (g *gatedGrid) shut() {
	g.mu.Lock()
	g.gate = make(chan struct{})
	g.mu.Unlock()
}

func (g *gatedGrid) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

func (g *gatedGrid) ReadWindow(ctx context.Context, c tile.Coord, tileSize int) (*grid.Window, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return g.Accessor.ReadWindow(ctx, c, tileSize)
}

func TestSingleCellEditScenario(t *testing.T) {
	g := grid.New(0)
	g.Set(4, 4, 4, 1)
	v := newVolume(t, g, testConfig(8))
	c := tile.Coord{}

	v.RequestVisible(c, 0)
	waitIdle(t, v)
	require.Equal(t, tile.Ready, v.State(c))
	f, ok := fragmentOf(v, c)
	require.True(t, ok)
	assert.Equal(t, 6, f.VertexCount())
	center := mgl32.Vec3{4, 4, 4}
	for i, p := range f.Positions {
		assert.Greater(t, f.Normals[i].Dot(p.Sub(center)), float32(0))
	}

	g.Deactivate(4, 4, 4)
	res := v.NotifyEdit(dirty.Box([3]int{4, 4, 4}, [3]int{4, 4, 4}, 0, 0))
	assert.Equal(t, 1, res.Staled)
	assert.Equal(t, 1, res.Requeued)

	waitIdle(t, v)
	require.Equal(t, tile.Ready, v.State(c))
	f, ok = fragmentOf(v, c)
	require.True(t, ok)
	assert.Zero(t, f.VertexCount())
}

func TestConvergesAfterConcurrentEdits(t *testing.T) {
	const ts = 8
	g := grid.New(0)
	lo, hi := cube(-ts-2, 2*ts+2)
	fillField(g, lo, hi, grid.SphereSource{Center: [3]float64{4, 5, 6}, Radius: 7}.Value)
	v := newVolume(t, g, testConfig(ts))

	var coords []tile.Coord
	for x := -1; x <= 1; x++ {
		for y := -1; y <= 1; y++ {
			for z := -1; z <= 1; z++ {
				c := tile.Coord{X: x, Y: y, Z: z}
				coords = append(coords, c)
				v.RequestVisible(c, float64(x*x+y*y+z*z))
			}
		}
	}

	var wg sync.WaitGroup
	for w := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for range 150 {
				p := [3]int{rng.IntN(3*ts) - ts, rng.IntN(3*ts) - ts, rng.IntN(3*ts) - ts}
				g.Set(p[0], p[1], p[2], rng.Float32())
				v.NotifyEdit(dirty.Box(p, p, 0, 0))
			}
		}()
	}
	wg.Wait()
	waitIdle(t, v)

	for _, c := range coords {
		require.Equal(t, tile.Ready, v.State(c), "tile %s", c)
		got, ok := fragmentOf(v, c)
		require.True(t, ok, "ready tile %s has no fragment", c)

		win, err := g.ReadWindow(context.Background(), c, ts)
		require.NoError(t, err)
		want := meshing.Extract(win, c.LOD, meshing.Options{IsoValue: 0.5})
		if diff := cmp.Diff(want.Positions, got.Positions); diff != "" {
			t.Fatalf("tile %s does not reflect final voxels (-want +got):\n%s", c, diff)
		}
		assert.Equal(t, want.Indices, got.Indices)
	}
}

func TestReadyFragmentDoesNotBlock(t *testing.T) {
	g := grid.New(0)
	fillField(g, [3]int{-2, -2, -2}, [3]int{20, 20, 20}, plane(3.5))
	gated := &gatedGrid{Accessor: g}
	gated.shut()
	defer gated.open()

	cfg := testConfig(8)
	cfg.Workers = 1
	v := newVolume(t, gated, cfg)
	c := tile.Coord{}
	v.RequestVisible(c, 0)
	require.Eventually(t, func() bool { return v.State(c) == tile.Meshing }, waitFor, time.Millisecond)

	start := time.Now()
	for range 1000 {
		_, ok := v.ReadyFragment(c)
		require.False(t, ok)
	}
	assert.Less(t, time.Since(start), time.Second)

	gated.open()
	waitIdle(t, v)
	_, ok := fragmentOf(v, c)
	assert.True(t, ok)
}

func TestStaleTileServesPreviousFragment(t *testing.T) {
	g := grid.New(0)
	fillField(g, [3]int{-2, -2, -2}, [3]int{20, 20, 20}, plane(3.5))
	gated := &gatedGrid{Accessor: g}
	defer gated.open()

	v := newVolume(t, gated, testConfig(8))
	c := tile.Coord{}
	v.RequestVisible(c, 0)
	waitIdle(t, v)
	before, ok := fragmentOf(v, c)
	require.True(t, ok)

	gated.shut()
	v.NotifyEdit(dirty.Box([3]int{3, 3, 3}, [3]int{3, 3, 3}, 0, 0))
	require.Eventually(t, func() bool { return v.State(c) == tile.Meshing }, waitFor, time.Millisecond)

	during, ok := fragmentOf(v, c)
	require.True(t, ok, "degraded fragment must stay visible")
	assert.Same(t, before, during)

	gated.open()
	waitIdle(t, v)
	after, ok := fragmentOf(v, c)
	require.True(t, ok)
	assert.Greater(t, after.Generation, before.Generation)
}

func TestCacheBudgetIsRespected(t *testing.T) {
	const ts = 8
	g := grid.New(0)
	lo, hi := cube(-2*ts-2, 2*ts+2)
	fillField(g, lo, hi, grid.SphereSource{Radius: 12}.Value)

	cfg := testConfig(ts)
	cfg.CacheBudgetBytes = 40_000
	v := newVolume(t, g, cfg)

	for x := -2; x <= 1; x++ {
		for y := -2; y <= 1; y++ {
			for z := -2; z <= 1; z++ {
				v.RequestVisible(tile.Coord{X: x, Y: y, Z: z}, 0)
			}
		}
	}
	waitIdle(t, v)

	st := v.Stats()
	assert.LessOrEqual(t, st.Cache.Bytes, cfg.CacheBudgetBytes)
	assert.NotZero(t, st.Cache.Evictions)
	for _, c := range v.index.Coords() {
		if v.State(c) == tile.Ready {
			assert.True(t, v.cache.Contains(c), "ready tile %s lost its fragment", c)
		}
	}

	// a smaller budget applies on the next pass
	v.SetCacheBudget(st.Cache.Bytes / 2)
	assert.Equal(t, st.Cache.Bytes, v.Stats().Cache.Bytes)
	v.TrimCache()
	assert.LessOrEqual(t, v.Stats().Cache.Bytes, st.Cache.Bytes/2)
}

func TestBudgetHoldsOnceIdle(t *testing.T) {
	g := grid.New(0)
	fillField(g, [3]int{-2, -2, -2}, [3]int{4*8 + 2, 10, 10}, plane(3.5))
	cfg := testConfig(8)
	cfg.CacheBudgetBytes = 1000
	v := newVolume(t, g, cfg)

	for x := range 4 {
		v.RequestVisible(tile.Coord{X: x}, float64(x))
	}
	waitIdle(t, v)

	// no explicit trim: publishing alone keeps the cache within budget
	st := v.Stats()
	assert.LessOrEqual(t, st.Cache.Bytes, cfg.CacheBudgetBytes)
	assert.NotZero(t, st.Cache.Evictions)
	for x := range 4 {
		c := tile.Coord{X: x}
		if v.State(c) == tile.Ready {
			assert.True(t, v.cache.Contains(c), "ready tile %s lost its fragment", c)
		}
	}
}

func TestIsoValueChangeRebuildsTiles(t *testing.T) {
	g := grid.New(0)
	fillField(g, [3]int{-2, -2, -2}, [3]int{20, 20, 20}, plane(3.5))
	v := newVolume(t, g, testConfig(8))
	c := tile.Coord{}
	v.RequestVisible(c, 0)
	waitIdle(t, v)

	v.SetIsoValue(0.3)
	waitIdle(t, v)
	f, ok := fragmentOf(v, c)
	require.True(t, ok)
	require.NotEmpty(t, f.Positions)
	for _, p := range f.Positions {
		assert.InDelta(t, 5.5, p.Y(), 1e-4)
	}
}

func TestStreamedGridRetriesUntilResident(t *testing.T) {
	g := grid.New(0)
	s := grid.NewStreamer(g, grid.SphereSource{Center: [3]float64{4, 4, 4}, Radius: 3}, grid.StreamerOptions{
		BrickSize: 16,
		Workers:   2,
		Logger:    slog.New(slog.DiscardHandler),
	})
	t.Cleanup(s.Close)

	v := newVolume(t, s, testConfig(8))
	c := tile.Coord{}
	v.RequestVisible(c, 0)
	waitIdle(t, v)

	require.Equal(t, tile.Ready, v.State(c))
	f, ok := fragmentOf(v, c)
	require.True(t, ok)
	assert.False(t, f.Empty())
	assert.NotZero(t, v.Stats().Scheduler.Retried)
}

func TestSkirtFollowsCoarseNeighbour(t *testing.T) {
	g := grid.New(0)
	fillField(g, [3]int{-4, -4, -4}, [3]int{70, 40, 40}, func(_, y, z int) float32 {
		h := 4 + 0.01*float64(z*z)
		return float32(0.5 + 0.1*(h-float64(y)))
	})
	v := newVolume(t, g, testConfig(16))

	fine := tile.Coord{X: 1}
	coarse := fine.Neighbor(tile.FacePosX).Parent()
	v.RequestVisible(fine, 0)
	v.RequestVisible(coarse, 1)
	waitIdle(t, v)

	require.Eventually(t, func() bool {
		f, ok := fragmentOf(v, fine)
		if !ok || len(f.Skirts) != 1 {
			return false
		}
		s := f.Skirts[0]
		return s.Neighbor == coarse && s.Face == tile.FacePosX && !s.Fallback
	}, waitFor, time.Millisecond)

	cf, ok := fragmentOf(v, coarse)
	require.True(t, ok)
	assert.Empty(t, cf.Skirts, "coarse tiles carry no skirts")
}

func TestUnloadDropsEverything(t *testing.T) {
	g := grid.New(0)
	fillField(g, [3]int{-2, -2, -2}, [3]int{40, 20, 20}, plane(3.5))
	var freed atomic.Int64
	v := newVolume(t, g, testConfig(8), func(o *Options) {
		o.OnFree = func(*meshing.Fragment) { freed.Add(1) }
	})
	for x := range 4 {
		v.RequestVisible(tile.Coord{X: x}, float64(x))
	}
	waitIdle(t, v)

	require.NoError(t, v.Unload())
	assert.GreaterOrEqual(t, freed.Load(), int64(4))
	st := v.Stats()
	assert.Zero(t, st.Cache.Entries)
	assert.Empty(t, st.Tiles)
	_, ok := v.ReadyFragment(tile.Coord{})
	assert.False(t, ok)

	// the volume can be loaded again
	v.Start(context.Background())
	v.RequestVisible(tile.Coord{}, 0)
	waitIdle(t, v)
	assert.Equal(t, tile.Ready, v.State(tile.Coord{}))
}

func TestRequestOutsideLODRangeIgnored(t *testing.T) {
	cfg := testConfig(8)
	cfg.MaxLOD = 1
	v := newVolume(t, grid.New(0), cfg)
	c := tile.Coord{LOD: 2}
	v.RequestVisible(c, 0)
	assert.Equal(t, tile.Absent, v.State(c))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(1)
	_, err := New(Options{Config: cfg, Grid: grid.New(0)})
	require.Error(t, err)

	_, err = New(Options{Config: testConfig(8)})
	require.Error(t, err)
}

func TestLogsCarryVolumeID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	v, err := New(Options{Config: testConfig(8), Grid: grid.New(0), Logger: logger})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, v.ID())

	v.Start(context.Background())
	require.NoError(t, v.Unload())
	assert.Contains(t, buf.String(), "volume="+v.ID().String())
}

func TestFinerAroundTouchesEveryFace(t *testing.T) {
	p := tile.Coord{X: 1, Y: 0, Z: -1, LOD: 1}
	around := finerAround(p)
	require.Len(t, around, 24)
	for _, c := range around {
		assert.Equal(t, 0, c.LOD)
		assert.NotEqual(t, p, c.Parent(), "%s lies inside the coarse tile", c)
		touches := false
		for f := tile.Face(0); f < tile.NumFaces; f++ {
			if c.Neighbor(f).Parent() == p {
				touches = true
			}
		}
		assert.True(t, touches, "%s does not border the coarse tile", c)
	}
	assert.Nil(t, finerAround(tile.Coord{}))
}
