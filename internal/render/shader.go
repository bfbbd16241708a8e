package render

import (
	"fmt"
	"strings"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/mathgl/mgl32"
)

const vertexShader = `#version 410 core
layout(location = 0) in vec3 aPos;
layout(location = 1) in vec3 aNormal;
layout(location = 2) in uint aMaterial;

uniform mat4 viewProj;
uniform vec3 origin;

out vec3 vNormal;
flat out uint vMaterial;

void main() {
	vNormal = aNormal;
	vMaterial = aMaterial;
	gl_Position = viewProj * vec4(aPos + origin, 1.0);
}
`

const fragmentShader = `#version 410 core
in vec3 vNormal;
flat in uint vMaterial;

uniform vec3 lightDir;

out vec4 FragColor;

void main() {
	float shade = 0.3 + 0.7 * max(dot(normalize(vNormal), -lightDir), 0.0);
	float tint = 0.8 + 0.2 * float(vMaterial % 5u) / 4.0;
	FragColor = vec4(vec3(0.55, 0.6, 0.5) * tint * shade, 1.0);
}
`

// Program is the surface shader.
type Program struct {
	ID uint32

	viewProj int32
	origin   int32
	lightDir int32
}

// NewProgram compiles and links the surface shader.
func NewProgram() (*Program, error) {
	id, err := compileProgram(vertexShader, fragmentShader)
	if err != nil {
		return nil, err
	}
	p := &Program{ID: id}
	p.viewProj = gl.GetUniformLocation(id, gl.Str("viewProj\x00"))
	p.origin = gl.GetUniformLocation(id, gl.Str("origin\x00"))
	p.lightDir = gl.GetUniformLocation(id, gl.Str("lightDir\x00"))
	return p, nil
}

// Use binds the program with the frame's camera and light.
func (p *Program) Use(viewProj mgl32.Mat4, light mgl32.Vec3) {
	gl.UseProgram(p.ID)
	gl.UniformMatrix4fv(p.viewProj, 1, false, &viewProj[0])
	l := light.Normalize()
	gl.Uniform3f(p.lightDir, l.X(), l.Y(), l.Z())
}

// DrawMesh draws m at its tile origin.
func (p *Program) DrawMesh(m Mesh) {
	gl.Uniform3f(p.origin, float32(m.Origin[0]), float32(m.Origin[1]), float32(m.Origin[2]))
	Draw(m)
}

// Delete frees the program.
func (p *Program) Delete() {
	gl.DeleteProgram(p.ID)
}

func compileProgram(vertexSrc, fragmentSrc string) (uint32, error) {
	vs, err := compileShader(vertexSrc, gl.VERTEX_SHADER)
	if err != nil {
		return 0, err
	}
	fs, err := compileShader(fragmentSrc, gl.FRAGMENT_SHADER)
	if err != nil {
		gl.DeleteShader(vs)
		return 0, err
	}

	program := gl.CreateProgram()
	gl.AttachShader(program, vs)
	gl.AttachShader(program, fs)
	gl.LinkProgram(program)
	gl.DeleteShader(vs)
	gl.DeleteShader(fs)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		gl.DeleteProgram(program)
		return 0, fmt.Errorf("failed to link program: %v", log)
	}
	return program, nil
}

func compileShader(source string, shaderType uint32) (uint32, error) {
	shader := gl.CreateShader(shaderType)
	csources, free := gl.Strs(source + "\x00")
	gl.ShaderSource(shader, 1, csources, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))
		gl.DeleteShader(shader)
		return 0, fmt.Errorf("failed to compile shader: %v", log)
	}
	return shader, nil
}
