package render

import (
	"math"
	"slices"

	"github.com/go-gl/mathgl/mgl32"

	"voxmesh/internal/tile"
)

// Selection is a tile chosen for display. Priority is the distance from the
// eye to the tile's bounds; lower is more urgent.
type Selection struct {
	Coord    tile.Coord
	Priority float64
}

// Selector picks non-overlapping tiles of mixed LOD around a viewer: coarse
// tiles far away, finer ones close by.
type Selector struct {
	TileSize int
	MaxLOD   int
	// Radius bounds the selection, in voxels.
	Radius float64
	// Detail splits a tile while the eye is closer than Detail times its
	// extent. Zero means 1.
	Detail float64
}

// Select returns the tiles to show for eye, culled against fr when non-nil,
// ordered by priority then coordinate.
func (s Selector) Select(eye mgl32.Vec3, fr *Frustum) []Selection {
	detail := s.Detail
	if detail <= 0 {
		detail = 1
	}
	root := tile.Coord{LOD: s.MaxLOD}
	e := root.Extent(s.TileSize)
	r := int(math.Ceil(s.Radius))
	lo := [3]int{}
	hi := [3]int{}
	for a := range 3 {
		lo[a] = tile.FloorDiv(int(math.Floor(float64(eye[a])))-r, e)
		hi[a] = tile.FloorDiv(int(math.Ceil(float64(eye[a])))+r, e)
	}

	var out []Selection
	var visit func(c tile.Coord)
	visit = func(c tile.Coord) {
		min, max := s.bounds(c)
		if fr != nil && !fr.IntersectsBox(min, max) {
			return
		}
		d := distanceToBox(eye, min, max)
		if d > s.Radius {
			return
		}
		if c.LOD > 0 && d < detail*float64(c.Extent(s.TileSize)) {
			for _, k := range c.Children() {
				visit(k)
			}
			return
		}
		out = append(out, Selection{Coord: c, Priority: d})
	}
	for x := lo[0]; x <= hi[0]; x++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for z := lo[2]; z <= hi[2]; z++ {
				visit(tile.Coord{X: x, Y: y, Z: z, LOD: s.MaxLOD})
			}
		}
	}

	slices.SortFunc(out, func(a, b Selection) int {
		switch {
		case a.Priority < b.Priority:
			return -1
		case a.Priority > b.Priority:
			return 1
		case a.Coord.Less(b.Coord):
			return -1
		case b.Coord.Less(a.Coord):
			return 1
		}
		return 0
	})
	return out
}

func (s Selector) bounds(c tile.Coord) (mgl32.Vec3, mgl32.Vec3) {
	o := c.Origin(s.TileSize)
	e := float32(c.Extent(s.TileSize))
	min := mgl32.Vec3{float32(o[0]), float32(o[1]), float32(o[2])}
	return min, min.Add(mgl32.Vec3{e, e, e})
}

func distanceToBox(p, min, max mgl32.Vec3) float64 {
	var sum float64
	for a := range 3 {
		var d float32
		switch {
		case p[a] < min[a]:
			d = min[a] - p[a]
		case p[a] > max[a]:
			d = p[a] - max[a]
		}
		sum += float64(d * d)
	}
	return math.Sqrt(sum)
}
