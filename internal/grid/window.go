package grid

import (
	"context"
	"errors"

	"voxmesh/internal/tile"
)

// Halo is the number of extra samples read on each side of a tile.
const Halo = 1

// ErrUnavailable reports that the requested region is not resident yet.
// It is transient: callers retry later.
var ErrUnavailable = errors.New("grid: region not resident")

// Accessor provides read-only windowed access to a sparse volume.
type Accessor interface {
	ReadWindow(ctx context.Context, c tile.Coord, tileSize int) (*Window, error)
}

// Window holds the samples of one tile plus a one-sample halo, taken every
// Coord.Stride() voxels. Sample (i,j,k) for i,j,k in [-Halo, TileSize+Halo]
// sits at voxel Origin + (i,j,k)*Stride. The far boundary plane (i ==
// TileSize) is shared with the neighbouring tile.
type Window struct {
	Coord    tile.Coord
	TileSize int

	Values    []float32
	Active    []bool   // false where the voxel reads as background
	Materials []uint16 // nil when the volume carries no material ids
}

// NewWindow allocates an empty window for c.
func NewWindow(c tile.Coord, tileSize int) *Window {
	n := WindowDim(tileSize)
	return &Window{
		Coord:    c,
		TileSize: tileSize,
		Values:   make([]float32, n*n*n),
		Active:   make([]bool, n*n*n),
	}
}

// WindowDim is the number of samples per axis of a window for tileSize.
func WindowDim(tileSize int) int {
	return tileSize + 1 + 2*Halo
}

// Dim returns the number of samples per axis.
func (w *Window) Dim() int {
	return WindowDim(w.TileSize)
}

// Index maps tile-relative sample coordinates to the flat sample index.
func (w *Window) Index(i, j, k int) int {
	n := w.Dim()
	return ((i+Halo)*n+(j+Halo))*n + (k + Halo)
}

// At returns the sample at tile-relative coordinates.
func (w *Window) At(i, j, k int) float32 {
	return w.Values[w.Index(i, j, k)]
}

// Set stores a sample at tile-relative coordinates and marks it active.
func (w *Window) Set(i, j, k int, v float32) {
	idx := w.Index(i, j, k)
	w.Values[idx] = v
	w.Active[idx] = true
}

// Fill sets every sample from fn, which receives voxel-space coordinates.
func (w *Window) Fill(fn func(x, y, z int) float32) {
	origin := w.Coord.Origin(w.TileSize)
	stride := w.Coord.Stride()
	for i := -Halo; i <= w.TileSize+Halo; i++ {
		for j := -Halo; j <= w.TileSize+Halo; j++ {
			for k := -Halo; k <= w.TileSize+Halo; k++ {
				w.Set(i, j, k, fn(origin[0]+i*stride, origin[1]+j*stride, origin[2]+k*stride))
			}
		}
	}
}
