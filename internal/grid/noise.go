package grid

import "voxmesh/internal/tile"

// lattice is value noise over integer voxel coordinates. Random values sit on
// the corners of cubic cells cell voxels wide and are blended across each
// cell with a quintic curve. Voxels sit at multiples of 1/cell inside a
// cell, so the blend weights are computed once per lattice.
type lattice struct {
	seed    uint64
	cell    int
	weights []float64 // fade(i/cell) for i in [0, cell)
}

func newLattice(seed uint64, cell int) lattice {
	if cell < 1 {
		cell = 1
	}
	w := make([]float64, cell)
	for i := range w {
		t := float64(i) / float64(cell)
		w[i] = t * t * t * (t*(t*6-15) + 10)
	}
	return lattice{seed: seed, cell: cell, weights: w}
}

// corner returns the random value in [0,1) at lattice point (i, j, k).
func (l lattice) corner(i, j, k int) float64 {
	h := l.seed ^ uint64(int64(i))*0xff51afd7ed558ccd
	h ^= uint64(int64(j)) * 0xc4ceb9fe1a85ec53
	h ^= uint64(int64(k)) * 0x9e3779b97f4a7c15
	// murmur3 finalizer
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return float64(h>>11) / (1 << 53)
}

// at samples the lattice at voxel (x, y, z).
func (l lattice) at(x, y, z int) float64 {
	i, j, k := tile.FloorDiv(x, l.cell), tile.FloorDiv(y, l.cell), tile.FloorDiv(z, l.cell)
	wx := l.weights[x-i*l.cell]
	wy := l.weights[y-j*l.cell]
	wz := l.weights[z-k*l.cell]

	var plane [2]float64
	for dk := range 2 {
		a := lerp(l.corner(i, j, k+dk), l.corner(i+1, j, k+dk), wx)
		b := lerp(l.corner(i, j+1, k+dk), l.corner(i+1, j+1, k+dk), wx)
		plane[dk] = lerp(a, b, wy)
	}
	return lerp(plane[0], plane[1], wz)
}

// fractal sums lattices of halving cell size with halving weight.
type fractal struct {
	layers []lattice
	amps   []float64
	norm   float64
}

func newFractal(seed int64, cell, octaves int) fractal {
	var f fractal
	amp := 1.0
	for o := range octaves {
		f.layers = append(f.layers, newLattice(uint64(seed)+uint64(o)*0x632be59bd9b4e019, cell))
		f.amps = append(f.amps, amp)
		f.norm += amp
		amp /= 2
		if cell > 1 {
			cell /= 2
		}
	}
	return f
}

// at returns the normalised fractal value in [0,1) at voxel (x, y, z).
func (f fractal) at(x, y, z int) float64 {
	if f.norm == 0 {
		return 0
	}
	var sum float64
	for o, l := range f.layers {
		sum += l.at(x, y, z) * f.amps[o]
	}
	return sum / f.norm
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}
