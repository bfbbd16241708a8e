package meshing

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"voxmesh/internal/grid"
	"voxmesh/internal/profiling"
)

// ErrMalformedWindow marks a window that violates the extractor's layout
// contract. It is a programming error and Extract panics with it.
var ErrMalformedWindow = errors.New("meshing: malformed window")

// smoothEpsilon is the smallest value step along an edge that still gets
// interpolated; flatter edges take the midpoint.
const smoothEpsilon = 1e-6

// Options control surface extraction.
type Options struct {
	// IsoValue separates inside (>= IsoValue) from outside.
	IsoValue float32
}

func checkWindow(win *grid.Window, lod int) {
	fail := func(format string, args ...any) {
		panic(fmt.Errorf("%w: %s", ErrMalformedWindow, fmt.Sprintf(format, args...)))
	}
	if win == nil {
		fail("nil window")
	}
	if win.TileSize < 1 {
		fail("tile size %d", win.TileSize)
	}
	if lod < 0 || lod != win.Coord.LOD {
		fail("lod %d for window of %s", lod, win.Coord)
	}
	n := win.Dim()
	want := n * n * n
	if len(win.Values) != want {
		fail("%d values, want %d", len(win.Values), want)
	}
	if len(win.Active) != want {
		fail("%d active flags, want %d", len(win.Active), want)
	}
	if win.Materials != nil && len(win.Materials) != want {
		fail("%d materials, want %d", len(win.Materials), want)
	}
}

// extractor holds the per-call scratch state of Extract.
type extractor struct {
	win    *grid.Window
	iso    float32
	stride float32
	size   int // samples per axis covered by cells, TileSize+1

	edgeVertex []int32 // lattice edge -> vertex index, -1 when unset
	frag       *Fragment
}

// Extract turns one voxel window into the surface fragment of its tile.
// The same window, lod and options always produce an identical fragment.
// Malformed windows panic with ErrMalformedWindow.
func Extract(win *grid.Window, lod int, opts Options) *Fragment {
	defer profiling.Track("meshing.Extract")()
	checkWindow(win, lod)

	size := win.TileSize + 1
	ex := &extractor{
		win:        win,
		iso:        opts.IsoValue,
		stride:     float32(win.Coord.Stride()),
		size:       size,
		edgeVertex: make([]int32, 3*size*size*size),
		frag: &Fragment{
			Coord:  win.Coord,
			Origin: win.Coord.Origin(win.TileSize),
		},
	}
	for i := range ex.edgeVertex {
		ex.edgeVertex[i] = -1
	}
	if win.Materials != nil {
		ex.frag.Materials = []uint16{}
	}

	t := win.TileSize
	var corners [8][3]int
	for i := 0; i < t; i++ {
		for j := 0; j < t; j++ {
			for k := 0; k < t; k++ {
				mask := 0
				for c := range 8 {
					o := cornerOffset(c)
					corners[c] = [3]int{i + o[0], j + o[1], k + o[2]}
					if ex.inside(corners[c]) {
						mask |= 1 << c
					}
				}
				for _, e := range triTable[mask] {
					a := corners[cubeEdges[e][0]]
					ex.frag.Indices = append(ex.frag.Indices, uint32(ex.vertex(a, edgeAxis[e])))
				}
			}
		}
	}
	return ex.frag
}

func (ex *extractor) value(p [3]int) float32 {
	return ex.win.At(p[0], p[1], p[2])
}

// inside treats samples exactly on the iso value as inside.
func (ex *extractor) inside(p [3]int) bool {
	return ex.value(p) >= ex.iso
}

func (ex *extractor) edgeSlot(low [3]int, axis int) int {
	return ((axis*ex.size+low[0])*ex.size+low[1])*ex.size + low[2]
}

// vertex returns the index of the crossing vertex on the lattice edge that
// starts at low and runs along axis, creating it on first use.
func (ex *extractor) vertex(low [3]int, axis int) int32 {
	slot := ex.edgeSlot(low, axis)
	if v := ex.edgeVertex[slot]; v >= 0 {
		return v
	}
	high := low
	high[axis]++

	t := ex.crossing(low, high)
	pos := mgl32.Vec3{float32(low[0]) * ex.stride, float32(low[1]) * ex.stride, float32(low[2]) * ex.stride}
	pos[axis] += t * ex.stride

	var g mgl32.Vec3
	switch t {
	case 0:
		g = ex.gradient(low)
	case 1:
		g = ex.gradient(high)
	default:
		ga, gb := ex.gradient(low), ex.gradient(high)
		g = ga.Add(gb.Sub(ga).Mul(t))
	}
	n := g.Mul(-1)
	if l := n.Len(); l > 1e-12 && !math.IsInf(float64(l), 0) {
		n = n.Mul(1 / l)
	} else {
		// flat field: point from the inside sample to the outside one
		n = mgl32.Vec3{}
		if ex.inside(low) {
			n[axis] = 1
		} else {
			n[axis] = -1
		}
	}

	f := ex.frag
	idx := int32(len(f.Positions))
	f.Positions = append(f.Positions, pos)
	f.Normals = append(f.Normals, n)
	if f.Materials != nil {
		src := high
		if ex.inside(low) {
			src = low
		}
		f.Materials = append(f.Materials, ex.win.Materials[ex.win.Index(src[0], src[1], src[2])])
	}
	ex.edgeVertex[slot] = idx
	return idx
}

// crossing returns where the iso value is crossed between low and high as a
// fraction of the edge. Edges touching background voxels, non-finite values
// or a nearly flat step fall back to the midpoint.
func (ex *extractor) crossing(low, high [3]int) float32 {
	w := ex.win
	la, lb := w.Index(low[0], low[1], low[2]), w.Index(high[0], high[1], high[2])
	if !w.Active[la] || !w.Active[lb] {
		return 0.5
	}
	a, b := w.Values[la], w.Values[lb]
	if !finite(a) || !finite(b) {
		return 0.5
	}
	d := b - a
	if d > -smoothEpsilon && d < smoothEpsilon {
		return 0.5
	}
	t := (ex.iso - a) / d
	return mgl32.Clamp(t, 0, 1)
}

// gradient is the central difference at sample p in voxel units.
func (ex *extractor) gradient(p [3]int) mgl32.Vec3 {
	var g mgl32.Vec3
	for axis := range 3 {
		lo, hi := p, p
		lo[axis]--
		hi[axis]++
		g[axis] = (ex.value(hi) - ex.value(lo)) / (2 * ex.stride)
	}
	return g
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
