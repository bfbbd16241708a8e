package meshing

import (
	"github.com/go-gl/mathgl/mgl32"

	"voxmesh/internal/tile"
)

// VertexStride is number of float32 per interleaved vertex (pos.xyz + normal.xyz)
const VertexStride = 6

// Byte sizes of the upload layout.
const (
	positionBytes = 3 * 4
	normalBytes   = 3 * 4
	materialBytes = 2
	indexBytes    = 4
)

// Fragment is the triangle mesh of exactly one tile. Positions are local to
// the tile; add Origin (voxel space) for world coordinates. A published
// fragment is never modified: updates produce a new Fragment.
type Fragment struct {
	Coord  tile.Coord
	Origin [3]int

	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	Materials []uint16 // nil when the source volume has no material ids
	Indices   []uint32

	// Skirts hide seams toward coarser neighbours.
	Skirts []Skirt

	// Generation orders fragments of the same tile; set before publishing.
	Generation uint64
}

// Skirt is transition geometry along one face of a fragment, in the owning
// fragment's local space.
type Skirt struct {
	Face     tile.Face
	Neighbor tile.Coord
	// Fallback is set when the neighbour had no geometry to snap to.
	Fallback bool

	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	Indices   []uint32
}

// VertexCount returns the number of surface vertices, skirts excluded.
func (f *Fragment) VertexCount() int {
	return len(f.Positions)
}

// TriangleCount returns the number of surface triangles, skirts excluded.
func (f *Fragment) TriangleCount() int {
	return len(f.Indices) / 3
}

// Empty reports whether the tile produced no surface.
func (f *Fragment) Empty() bool {
	return len(f.Indices) == 0
}

// Bytes is the upload size of the fragment including its skirts.
func (f *Fragment) Bytes() int {
	n := len(f.Positions)*positionBytes + len(f.Normals)*normalBytes +
		len(f.Materials)*materialBytes + len(f.Indices)*indexBytes
	for _, s := range f.Skirts {
		n += len(s.Positions)*positionBytes + len(s.Normals)*normalBytes + len(s.Indices)*indexBytes
	}
	return n
}

// World returns vertex i in voxel space.
func (f *Fragment) World(i int) [3]float64 {
	p := f.Positions[i]
	return [3]float64{
		float64(f.Origin[0]) + float64(p[0]),
		float64(f.Origin[1]) + float64(p[1]),
		float64(f.Origin[2]) + float64(p[2]),
	}
}

// BoundaryVertices returns the indices of vertices lying on the given face
// plane, in vertex order.
func (f *Fragment) BoundaryVertices(face tile.Face, tileSize int) []int {
	plane := facePlane(f.Coord, face, tileSize)
	axis := face.Axis()
	var out []int
	for i, p := range f.Positions {
		if p[axis] == plane {
			out = append(out, i)
		}
	}
	return out
}

// facePlane is the local coordinate of a face plane along its axis.
func facePlane(c tile.Coord, face tile.Face, tileSize int) float32 {
	if face.Sign() < 0 {
		return 0
	}
	return float32(c.Extent(tileSize))
}

// WithSkirts returns a copy of f carrying the given skirts. Vertex and index
// slices are shared since neither fragment is ever mutated.
func (f *Fragment) WithSkirts(skirts []Skirt) *Fragment {
	out := *f
	out.Skirts = skirts
	return &out
}

// Interleaved flattens surface and skirt geometry into pos+normal vertices
// and a single index list, ready for upload.
func (f *Fragment) Interleaved() ([]float32, []uint32) {
	total := len(f.Positions)
	idxTotal := len(f.Indices)
	for _, s := range f.Skirts {
		total += len(s.Positions)
		idxTotal += len(s.Indices)
	}
	verts := make([]float32, 0, total*VertexStride)
	indices := make([]uint32, 0, idxTotal)

	appendGeom := func(pos, nrm []mgl32.Vec3, idx []uint32) {
		base := uint32(len(verts) / VertexStride)
		for i, p := range pos {
			n := nrm[i]
			verts = append(verts, p[0], p[1], p[2], n[0], n[1], n[2])
		}
		for _, ix := range idx {
			indices = append(indices, base+ix)
		}
	}
	appendGeom(f.Positions, f.Normals, f.Indices)
	for _, s := range f.Skirts {
		appendGeom(s.Positions, s.Normals, s.Indices)
	}
	return verts, indices
}
