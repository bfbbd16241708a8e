package dirty

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"voxmesh/internal/profiling"
	"voxmesh/internal/tile"
)

// Region is an edited voxel-space box, inclusive on both ends, and the LOD
// range it invalidates.
type Region struct {
	Min, Max       [3]int
	MinLOD, MaxLOD int
}

// Box returns a region covering a single LOD range from min to max.
func Box(min, max [3]int, minLOD, maxLOD int) Region {
	return Region{Min: min, Max: max, MinLOD: minLOD, MaxLOD: maxLOD}
}

func (r Region) String() string {
	return fmt.Sprintf("[%v..%v]@%d-%d", r.Min, r.Max, r.MinLOD, r.MaxLOD)
}

// normalized orders the corners and LOD bounds and clamps LODs to [0, maxLOD].
func (r Region) normalized(maxLOD int) Region {
	for a := range 3 {
		if r.Min[a] > r.Max[a] {
			r.Min[a], r.Max[a] = r.Max[a], r.Min[a]
		}
	}
	if r.MinLOD > r.MaxLOD {
		r.MinLOD, r.MaxLOD = r.MaxLOD, r.MinLOD
	}
	r.MinLOD = max(r.MinLOD, 0)
	r.MaxLOD = min(r.MaxLOD, maxLOD)
	return r
}

// Result counts what one edit did to the covered tiles.
type Result struct {
	Covered    int
	Staled     int // Ready -> Stale
	Requeued   int // Stale -> Queued for visible tiles
	Superseded int // Queued or Meshing jobs flagged
}

// Tracker turns edit notifications into tile state changes. Requeued tiles
// reach the scheduler through the index's transition events.
type Tracker struct {
	index    *tile.Index
	tileSize int
	maxLOD   int
	log      *slog.Logger

	edits atomic.Uint64
}

// NewTracker creates a tracker for tiles of tileSize samples and LODs up to
// maxLOD.
func NewTracker(index *tile.Index, tileSize, maxLOD int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		index:    index,
		tileSize: tileSize,
		maxLOD:   maxLOD,
		log:      logger.With("component", "dirty"),
	}
}

// Covering returns every tile whose window, including its halo, reads a
// voxel of r. Tiles come ordered by LOD, then X, Y, Z.
func (t *Tracker) Covering(r Region) []tile.Coord {
	r = r.normalized(t.maxLOD)
	var out []tile.Coord
	for lod := r.MinLOD; lod <= r.MaxLOD; lod++ {
		var lo, hi [3]int
		for a := range 3 {
			lo[a], hi[a] = t.span(r.Min[a], r.Max[a], lod)
		}
		for x := lo[0]; x <= hi[0]; x++ {
			for y := lo[1]; y <= hi[1]; y++ {
				for z := lo[2]; z <= hi[2]; z++ {
					out = append(out, tile.Coord{X: x, Y: y, Z: z, LOD: lod})
				}
			}
		}
	}
	return out
}

// span returns the tile range along one axis whose windows overlap
// [min, max]. A tile at index i reads voxels i*E-s through (i+1)*E+s.
func (t *Tracker) span(min, max, lod int) (int, int) {
	e := t.tileSize << lod
	s := 1 << lod
	return ceilDiv(min-s, e) - 1, tile.FloorDiv(max+s, e)
}

func ceilDiv(a, b int) int {
	return -tile.FloorDiv(-a, b)
}

// NotifyEdit invalidates the tiles covering r. The voxel data must already
// hold the edit.
func (t *Tracker) NotifyEdit(r Region) Result {
	defer profiling.Track("dirty.NotifyEdit")()
	t.edits.Add(1)
	res := t.Invalidate(t.Covering(r))
	if res.Staled+res.Requeued+res.Superseded > 0 {
		t.log.Debug("edit invalidated tiles", "region", r, "covered", res.Covered,
			"staled", res.Staled, "requeued", res.Requeued, "superseded", res.Superseded)
	}
	return res
}

// Invalidate applies the edit rules to the given tiles, e.g. every known
// tile after the iso value changed.
func (t *Tracker) Invalidate(coords []tile.Coord) Result {
	var res Result
	for _, c := range coords {
		res.Covered++
		t.invalidate(c, &res)
	}
	return res
}

// invalidate applies the edit rules to c, retrying when a concurrent
// transition wins the race.
func (t *Tracker) invalidate(c tile.Coord, res *Result) {
	for {
		switch t.index.State(c) {
		case tile.Absent:
			return
		case tile.Ready:
			if t.index.Transition(c, tile.Ready, tile.Stale) != nil {
				continue
			}
			res.Staled++
			if t.index.Visible(c) && t.index.Transition(c, tile.Stale, tile.Queued) == nil {
				res.Requeued++
			}
			return
		case tile.Stale:
			if t.index.Visible(c) && t.index.Transition(c, tile.Stale, tile.Queued) == nil {
				res.Requeued++
			}
			return
		case tile.Queued, tile.Meshing:
			if !t.index.MarkSuperseded(c) {
				continue
			}
			res.Superseded++
			return
		}
	}
}

// Edits returns the number of edit notifications handled.
func (t *Tracker) Edits() uint64 {
	return t.edits.Load()
}
