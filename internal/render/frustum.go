package render

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Camera describes a perspective view in voxel space.
type Camera struct {
	Eye    mgl32.Vec3
	Target mgl32.Vec3
	FOV    float32 // vertical, degrees
	Aspect float32
	Near   float32
	Far    float32
}

// DefaultCamera looks from eye toward target with a 60 degree 16:9 lens.
func DefaultCamera(eye, target mgl32.Vec3) Camera {
	return Camera{Eye: eye, Target: target, FOV: 60, Aspect: 16.0 / 9, Near: 0.1, Far: 4096}
}

// ViewProj returns projection*view.
func (c Camera) ViewProj() mgl32.Mat4 {
	up := mgl32.Vec3{0, 1, 0}
	if d := c.Target.Sub(c.Eye).Normalize(); math.Abs(float64(d.Dot(up))) > 0.999 {
		up = mgl32.Vec3{0, 0, -1}
	}
	proj := mgl32.Perspective(mgl32.DegToRad(c.FOV), c.Aspect, c.Near, c.Far)
	return proj.Mul4(mgl32.LookAtV(c.Eye, c.Target, up))
}

// Frustum returns the camera's view volume.
func (c Camera) Frustum() Frustum {
	return NewFrustum(c.ViewProj())
}

type plane struct{ a, b, c, d float32 }

// Frustum is six inward facing planes: left, right, bottom, top, near, far.
type Frustum struct {
	planes [6]plane
}

// NewFrustum extracts the planes of a projection*view matrix.
func NewFrustum(clip mgl32.Mat4) Frustum {
	// mgl32 matrices are column-major
	m00, m01, m02, m03 := clip[0], clip[4], clip[8], clip[12]
	m10, m11, m12, m13 := clip[1], clip[5], clip[9], clip[13]
	m20, m21, m22, m23 := clip[2], clip[6], clip[10], clip[14]
	m30, m31, m32, m33 := clip[3], clip[7], clip[11], clip[15]

	var f Frustum
	f.planes[0] = normalizePlane(plane{m30 + m00, m31 + m01, m32 + m02, m33 + m03})
	f.planes[1] = normalizePlane(plane{m30 - m00, m31 - m01, m32 - m02, m33 - m03})
	f.planes[2] = normalizePlane(plane{m30 + m10, m31 + m11, m32 + m12, m33 + m13})
	f.planes[3] = normalizePlane(plane{m30 - m10, m31 - m11, m32 - m12, m33 - m13})
	f.planes[4] = normalizePlane(plane{m30 + m20, m31 + m21, m32 + m22, m33 + m23})
	f.planes[5] = normalizePlane(plane{m30 - m20, m31 - m21, m32 - m22, m33 - m23})
	return f
}

func normalizePlane(p plane) plane {
	l := float32(math.Sqrt(float64(p.a*p.a + p.b*p.b + p.c*p.c)))
	if l == 0 {
		return p
	}
	return plane{p.a / l, p.b / l, p.c / l, p.d / l}
}

// IntersectsBox reports whether the box [min, max] is at least partly
// inside. Boxes near corners may pass although they are outside.
func (f Frustum) IntersectsBox(min, max mgl32.Vec3) bool {
	for _, p := range f.planes {
		// positive vertex for this plane normal
		px, py, pz := max.X(), max.Y(), max.Z()
		if p.a < 0 {
			px = min.X()
		}
		if p.b < 0 {
			py = min.Y()
		}
		if p.c < 0 {
			pz = min.Z()
		}
		if p.a*px+p.b*py+p.c*pz+p.d < 0 {
			return false
		}
	}
	return true
}
