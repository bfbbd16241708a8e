// Command voxmesh meshes a procedural terrain volume around the origin,
// reports what the meshing core did and optionally writes or shows the
// result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/schollz/progressbar/v3"

	"voxmesh/internal/cache"
	"voxmesh/internal/config"
	"voxmesh/internal/dirty"
	"voxmesh/internal/grid"
	"voxmesh/internal/profiling"
	"voxmesh/internal/render"
	"voxmesh/internal/tile"
	"voxmesh/internal/volume"
)

func init() {
	runtime.LockOSThread()
}

type flags struct {
	config  string
	radius  float64
	seed    int64
	edit    int
	obj     string
	view    bool
	fps     int
	timeout time.Duration
	verbose bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "YAML config file (defaults when empty)")
	flag.Float64Var(&f.radius, "radius", 96, "selection radius around the viewer, in voxels")
	flag.Int64Var(&f.seed, "seed", 0, "terrain seed, overrides the config when non-zero")
	flag.IntVar(&f.edit, "edit", 0, "carve a sphere of this radius at the surface below the viewer")
	flag.StringVar(&f.obj, "obj", "", "write every ready fragment to this Wavefront OBJ file")
	flag.BoolVar(&f.view, "view", false, "open a window and draw the volume")
	flag.IntVar(&f.fps, "fps", 60, "frame rate cap of the view window, 0 for none")
	flag.DurationVar(&f.timeout, "timeout", 2*time.Minute, "give up waiting for meshing after this long")
	flag.BoolVar(&f.verbose, "v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(f, logger); err != nil {
		logger.Error("voxmesh failed", "err", err)
		os.Exit(1)
	}
}

// lateSource lets the uploader be built before the volume it reads from.
type lateSource struct {
	v *volume.Volume
}

func (s *lateSource) ReadyFragment(c tile.Coord) (*cache.Handle, bool) {
	return s.v.ReadyFragment(c)
}

func run(f flags, logger *slog.Logger) error {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return err
		}
	}
	if f.seed != 0 {
		cfg.Terrain.Seed = f.seed
	}

	g := grid.New(0)
	src := grid.NewDensitySource(cfg.Terrain.Seed).WithBaseHeight(cfg.Terrain.BaseHeight)
	streamer := grid.NewStreamer(g, src, grid.StreamerOptions{
		BrickSize:  cfg.Terrain.BrickSize,
		Workers:    cfg.Terrain.StreamWorkers,
		MaxPending: cfg.Terrain.Resident,
		Logger:     logger,
	})
	defer streamer.Close()

	var (
		up      *render.Uploader
		lazySrc = &lateSource{}
		opts    = volume.Options{Config: cfg, Grid: streamer, Logger: logger}
	)
	if f.view {
		up = render.NewUploader(render.GLDevice{}, lazySrc, logger)
		opts.OnPublished = up.Published
		opts.OnFree = up.Freed
	}
	v, err := volume.New(opts)
	if err != nil {
		return err
	}
	lazySrc.v = v

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v.Start(ctx)
	defer func() {
		if err := v.Unload(); err != nil {
			logger.Warn("unload", "err", err)
		}
	}()

	surface := surfaceHeight(src, cfg.IsoValue, 0, 0)
	eye := mgl32.Vec3{0, float32(surface + 24), 0}
	sel := render.Selector{TileSize: cfg.TileSize, MaxLOD: cfg.MaxLOD, Radius: f.radius}
	picked := sel.Select(eye, nil)
	for _, s := range picked {
		v.RequestVisible(s.Coord, s.Priority)
	}
	logger.Info("tiles requested", "count", len(picked), "eye", eye, "radius", f.radius)

	start := time.Now()
	if err := waitIdle(ctx, v, len(picked), f.timeout); err != nil {
		return err
	}
	logger.Info("meshing converged", "took", time.Since(start).Round(time.Millisecond))

	if f.edit > 0 {
		center := [3]int{0, surface, 0}
		r := carve(streamer, center, f.edit, cfg.MaxLOD)
		res := v.NotifyEdit(r)
		logger.Info("edit applied", "region", r, "covered", res.Covered, "requeued", res.Requeued,
			"superseded", res.Superseded)
		if err := waitIdle(ctx, v, len(picked), f.timeout); err != nil {
			return err
		}
	}

	printStats(os.Stdout, v.Stats())
	fmt.Fprintln(os.Stdout, profiling.TopN(8))

	if f.obj != "" {
		n, err := writeOBJ(f.obj, v)
		if err != nil {
			return err
		}
		logger.Info("obj written", "path", f.obj, "fragments", n)
	}

	if f.view {
		return runView(v, up, sel, eye, f.fps, logger)
	}
	return nil
}

// waitIdle blocks until the volume has nothing left to mesh, drawing the
// share of the total tiles that are Ready.
func waitIdle(ctx context.Context, v *volume.Volume, total int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	bar := progressbar.Default(int64(total), "meshing")
	defer bar.Close()

	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for !v.Idle() {
		bar.Set(v.Stats().Tiles[tile.Ready])
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for meshing: %w", ctx.Err())
		case <-t.C:
		}
	}
	bar.Set(v.Stats().Tiles[tile.Ready])
	return bar.Finish()
}

// surfaceHeight returns the highest y at column (x, z) whose sample is
// inside the surface.
func surfaceHeight(src *grid.DensitySource, iso float32, x, z int) int {
	for y := src.MaxHeight(); y > -src.MaxHeight(); y-- {
		if src.Value(x, y, z) >= iso {
			return y
		}
	}
	return 0
}

// carve empties a sphere of the streamed grid and returns the edited region
// across every LOD. The bricks under the sphere are loaded first so that
// streaming cannot overwrite the edit later.
func carve(s *grid.Streamer, center [3]int, radius, maxLOD int) dirty.Region {
	min := [3]int{center[0] - radius, center[1] - radius, center[2] - radius}
	max := [3]int{center[0] + radius, center[1] + radius, center[2] + radius}
	s.LoadSync(min, max)
	r2 := radius * radius
	s.Grid().Fill(min, max, func(x, y, z int) (float32, uint16, bool) {
		dx, dy, dz := x-center[0], y-center[1], z-center[2]
		if dx*dx+dy*dy+dz*dz > r2 {
			return 0, 0, false
		}
		return 0, 0, true
	})
	return dirty.Box(min, max, 0, maxLOD)
}

func printStats(w *os.File, st volume.Stats) {
	fmt.Fprintf(w, "volume %s\n", st.ID)
	for s := tile.Absent; s <= tile.Stale; s++ {
		fmt.Fprintf(w, "  %-8s %d\n", s, st.Tiles[s])
	}
	fmt.Fprintf(w, "cache: %d entries, %d/%d bytes, %d hits, %d misses, %d evictions\n",
		st.Cache.Entries, st.Cache.Bytes, st.Cache.Budget, st.Cache.Hits, st.Cache.Misses, st.Cache.Evictions)
	fmt.Fprintf(w, "scheduler: %d extracted, %d retried, %d superseded, %d dropped, queued %s\n",
		st.Scheduler.Extracted, st.Scheduler.Retried, st.Scheduler.Superseded, st.Scheduler.Dropped,
		st.Scheduler.QueuedFor)
	fmt.Fprintf(w, "skirts: %d hits, %d misses, %d restitched; edits %d\n",
		st.SkirtHits, st.SkirtMiss, st.Restitched, st.Edits)
}
