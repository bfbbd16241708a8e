// Package render moves published fragments onto the GPU. Fragments arrive
// from any goroutine; buffers are only touched on the thread that owns the
// graphics context.
package render

import (
	"github.com/go-gl/mathgl/mgl32"

	"voxmesh/internal/meshing"
)

// Streams is the upload layout of one fragment. Surface and skirt geometry
// share the vertex streams; skirt indices are rebased past the surface.
type Streams struct {
	Positions []float32 // 3 per vertex
	Normals   []float32 // 3 per vertex
	Materials []uint16  // 1 per vertex, nil without material ids
	Indices   []uint32
}

// StreamsOf flattens f for upload. Skirt vertices carry material 0.
func StreamsOf(f *meshing.Fragment) Streams {
	nv, ni := len(f.Positions), len(f.Indices)
	for _, s := range f.Skirts {
		nv += len(s.Positions)
		ni += len(s.Indices)
	}
	out := Streams{
		Positions: make([]float32, 0, 3*nv),
		Normals:   make([]float32, 0, 3*nv),
		Indices:   make([]uint32, 0, ni),
	}
	if f.Materials != nil {
		out.Materials = make([]uint16, 0, nv)
		out.Materials = append(out.Materials, f.Materials...)
	}

	add := func(pos, nrm []mgl32.Vec3, idx []uint32) {
		base := uint32(len(out.Positions) / 3)
		for i, p := range pos {
			n := nrm[i]
			out.Positions = append(out.Positions, p[0], p[1], p[2])
			out.Normals = append(out.Normals, n[0], n[1], n[2])
		}
		for _, ix := range idx {
			out.Indices = append(out.Indices, base+ix)
		}
	}
	add(f.Positions, f.Normals, f.Indices)
	for _, s := range f.Skirts {
		add(s.Positions, s.Normals, s.Indices)
		if out.Materials != nil {
			out.Materials = append(out.Materials, make([]uint16, len(s.Positions))...)
		}
	}
	return out
}

// VertexCount returns the number of vertices in the streams.
func (s Streams) VertexCount() int {
	return len(s.Positions) / 3
}

// Bytes is the GPU memory the streams occupy once uploaded.
func (s Streams) Bytes() int {
	return 4*len(s.Positions) + 4*len(s.Normals) + 2*len(s.Materials) + 4*len(s.Indices)
}

// Buffers names the GPU objects holding one uploaded fragment. Zero names
// are unused streams.
type Buffers struct {
	VAO       uint32
	Positions uint32
	Normals   uint32
	Materials uint32
	Indices   uint32

	IndexCount int32
	Bytes      int
}

// Device is the narrow upload capability the uploader needs.
type Device interface {
	Upload(s Streams) (Buffers, error)
	Delete(b Buffers)
}
