package grid

import (
	"math"

	"voxmesh/internal/profiling"
)

// Material ids written by the built-in sources.
const (
	MaterialNone uint16 = iota
	MaterialRock
	MaterialSoil
)

// DensitySource generates terrain from a 3D noise density field combined
// with an altitude gradient, so overhangs and caves are possible. Values are
// mapped to [0,1] with 0.5 on the surface.
type DensitySource struct {
	noise            fractal
	baseHeight       int     // target surface level
	gradientStrength float64 // altitude density gradient
}

// NewDensitySource creates a noise terrain source for seed. The coarsest
// noise cells are 64 voxels wide, halved over four octaves.
func NewDensitySource(seed int64) *DensitySource {
	return &DensitySource{
		noise:            newFractal(seed, 64, 4),
		baseHeight:       32,
		gradientStrength: 32.0,
	}
}

// WithBaseHeight returns a copy of s whose mean surface sits at altitude h.
func (s *DensitySource) WithBaseHeight(h int) *DensitySource {
	out := *s
	out.baseHeight = h
	return &out
}

// Density returns the raw density at a voxel: positive is solid.
func (s *DensitySource) Density(x, y, z int) float64 {
	n := s.noise.at(x, y, z)*2 - 1
	return n + (float64(s.baseHeight)-float64(y))/s.gradientStrength
}

// Value maps the density to the [0,1] occupancy range.
func (s *DensitySource) Value(x, y, z int) float32 {
	d := math.Max(-1, math.Min(1, s.Density(x, y, z)))
	return float32(0.5 + 0.5*d)
}

// MaxHeight is the altitude above which density is always negative.
func (s *DensitySource) MaxHeight() int {
	return s.baseHeight + int(s.gradientStrength) + 1
}

// PopulateBrick samples the density every four voxels and fills the brick by
// trilinear interpolation. Bricks entirely above MaxHeight stay empty.
func (s *DensitySource) PopulateBrick(g *Grid, min, max [3]int) {
	defer profiling.Track("grid.DensitySource.PopulateBrick")()
	if min[1] > s.MaxHeight() {
		return
	}

	const step = 4
	nx := (max[0]-min[0])/step + 2
	ny := (max[1]-min[1])/step + 2
	nz := (max[2]-min[2])/step + 2
	samples := make([]float64, nx*ny*nz)
	idx := func(x, y, z int) int { return (x*ny+y)*nz + z }
	for i := range nx {
		for j := range ny {
			for k := range nz {
				samples[idx(i, j, k)] = s.Density(min[0]+i*step, min[1]+j*step, min[2]+k*step)
			}
		}
	}

	g.Fill(min, max, func(x, y, z int) (float32, uint16, bool) {
		lx, ly, lz := x-min[0], y-min[1], z-min[2]
		i, j, k := lx/step, ly/step, lz/step
		tx := float64(lx%step) / step
		ty := float64(ly%step) / step
		tz := float64(lz%step) / step

		d00 := lerp(samples[idx(i, j, k)], samples[idx(i+1, j, k)], tx)
		d10 := lerp(samples[idx(i, j+1, k)], samples[idx(i+1, j+1, k)], tx)
		d01 := lerp(samples[idx(i, j, k+1)], samples[idx(i+1, j, k+1)], tx)
		d11 := lerp(samples[idx(i, j+1, k+1)], samples[idx(i+1, j+1, k+1)], tx)
		d := lerp(lerp(d00, d10, ty), lerp(d01, d11, ty), tz)

		mat := MaterialSoil
		if y < s.baseHeight-8 {
			mat = MaterialRock
		}
		d = math.Max(-1, math.Min(1, d))
		return float32(0.5 + 0.5*d), mat, true
	})
}

// SphereSource fills a solid ball. Useful for tests and demos.
type SphereSource struct {
	Center [3]float64
	Radius float64
}

// Value returns 1 at the centre falling to 0.5 on the surface.
func (s SphereSource) Value(x, y, z int) float32 {
	dx := float64(x) - s.Center[0]
	dy := float64(y) - s.Center[1]
	dz := float64(z) - s.Center[2]
	d := (s.Radius - math.Sqrt(dx*dx+dy*dy+dz*dz)) / s.Radius
	return float32(0.5 + 0.5*math.Max(-1, math.Min(1, d)))
}

// PopulateBrick writes the ball's values into the brick.
func (s SphereSource) PopulateBrick(g *Grid, min, max [3]int) {
	g.Fill(min, max, func(x, y, z int) (float32, uint16, bool) {
		return s.Value(x, y, z), MaterialNone, true
	})
}
