package render

import (
	"errors"
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"
)

// Vertex attribute locations shared with the shader.
const (
	AttribPosition = 0
	AttribNormal   = 1
	AttribMaterial = 2
)

const floatSize = 4

// GLDevice uploads streams into OpenGL 4.1 core buffers. Every call must run
// on the thread owning the current GL context.
type GLDevice struct{}

// Upload creates a vertex array with one buffer per stream and an element
// buffer of uint32 indices.
func (GLDevice) Upload(s Streams) (Buffers, error) {
	if len(s.Indices) == 0 || len(s.Positions) == 0 {
		return Buffers{}, errors.New("empty streams")
	}
	var b Buffers
	gl.GenVertexArrays(1, &b.VAO)
	gl.BindVertexArray(b.VAO)

	b.Positions = floatBuffer(AttribPosition, s.Positions)
	b.Normals = floatBuffer(AttribNormal, s.Normals)
	if len(s.Materials) > 0 {
		gl.GenBuffers(1, &b.Materials)
		gl.BindBuffer(gl.ARRAY_BUFFER, b.Materials)
		gl.BufferData(gl.ARRAY_BUFFER, len(s.Materials)*2, gl.Ptr(s.Materials), gl.STATIC_DRAW)
		gl.EnableVertexAttribArray(AttribMaterial)
		gl.VertexAttribIPointer(AttribMaterial, 1, gl.UNSIGNED_SHORT, 0, gl.PtrOffset(0))
	} else {
		gl.VertexAttribI1ui(AttribMaterial, 0)
	}

	gl.GenBuffers(1, &b.Indices)
	gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, b.Indices)
	gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(s.Indices)*4, gl.Ptr(s.Indices), gl.STATIC_DRAW)

	gl.BindVertexArray(0)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
	b.IndexCount = int32(len(s.Indices))

	if e := gl.GetError(); e != gl.NO_ERROR {
		GLDevice{}.Delete(b)
		return Buffers{}, fmt.Errorf("gl error 0x%x", e)
	}
	return b, nil
}

func floatBuffer(attrib uint32, data []float32) uint32 {
	var vbo uint32
	gl.GenBuffers(1, &vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(data)*floatSize, gl.Ptr(data), gl.STATIC_DRAW)
	gl.EnableVertexAttribArray(attrib)
	gl.VertexAttribPointer(attrib, 3, gl.FLOAT, false, 3*floatSize, gl.PtrOffset(0))
	return vbo
}

// Delete frees every object in b.
func (GLDevice) Delete(b Buffers) {
	for _, id := range []uint32{b.Positions, b.Normals, b.Materials, b.Indices} {
		if id != 0 {
			gl.DeleteBuffers(1, &id)
		}
	}
	if b.VAO != 0 {
		gl.DeleteVertexArrays(1, &b.VAO)
	}
}

// Draw issues the indexed draw call for m with the bound program.
func Draw(m Mesh) {
	gl.BindVertexArray(m.VAO)
	gl.DrawElements(gl.TRIANGLES, m.IndexCount, gl.UNSIGNED_INT, gl.PtrOffset(0))
	gl.BindVertexArray(0)
}
