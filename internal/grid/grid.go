package grid

import (
	"context"
	"math/bits"
	"sync"

	"voxmesh/internal/profiling"
	"voxmesh/internal/tile"
)

const (
	// Leaf dimensions, matching the NanoVDB leaf node layout.
	LeafLog2Dim = 3
	LeafDim     = 1 << LeafLog2Dim
	LeafVolume  = LeafDim * LeafDim * LeafDim
)

// leaf stores one 8x8x8 block of voxels. Voxels that were never written are
// inactive and read as the grid background.
type leaf struct {
	values    [LeafVolume]float32
	active    [LeafVolume / 64]uint64
	materials []uint16 // allocated on first material write
}

// indexInLeaf converts local leaf coordinates to a flat index.
func indexInLeaf(x, y, z int) int {
	return (x*LeafDim+y)*LeafDim + z
}

func (l *leaf) isActive(i int) bool {
	return l.active[i>>6]&(1<<(uint(i)&63)) != 0
}

func (l *leaf) setActive(i int, on bool) {
	if on {
		l.active[i>>6] |= 1 << (uint(i) & 63)
	} else {
		l.active[i>>6] &^= 1 << (uint(i) & 63)
	}
}

func (l *leaf) activeCount() int {
	n := 0
	for _, w := range l.active {
		n += bits.OnesCount64(w)
	}
	return n
}

// Grid is an in-memory sparse voxel grid of scalar density values with an
// optional material id per voxel. It is safe for concurrent use.
type Grid struct {
	mu         sync.RWMutex
	leaves     map[[3]int]*leaf
	background float32
	modCount   uint64
	matLeaves  int // leaves carrying material ids
}

// New creates an empty grid whose inactive voxels read as background.
func New(background float32) *Grid {
	return &Grid{
		leaves:     make(map[[3]int]*leaf),
		background: background,
	}
}

// Background returns the value of inactive voxels.
func (g *Grid) Background() float32 {
	return g.background
}

func leafKey(x, y, z int) [3]int {
	return [3]int{x >> LeafLog2Dim, y >> LeafLog2Dim, z >> LeafLog2Dim}
}

func leafLocal(x, y, z int) int {
	return indexInLeaf(x&(LeafDim-1), y&(LeafDim-1), z&(LeafDim-1))
}

// Get returns the value at voxel (x,y,z) and whether the voxel is active.
func (g *Grid) Get(x, y, z int) (float32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.getLocked(x, y, z)
}

func (g *Grid) getLocked(x, y, z int) (float32, bool) {
	l := g.leaves[leafKey(x, y, z)]
	if l == nil {
		return g.background, false
	}
	i := leafLocal(x, y, z)
	if !l.isActive(i) {
		return g.background, false
	}
	return l.values[i], true
}

// Material returns the material id at voxel (x,y,z), zero when unset.
func (g *Grid) Material(x, y, z int) uint16 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.materialLocked(x, y, z)
}

func (g *Grid) materialLocked(x, y, z int) uint16 {
	l := g.leaves[leafKey(x, y, z)]
	if l == nil || l.materials == nil {
		return 0
	}
	return l.materials[leafLocal(x, y, z)]
}

// Set writes an active value at voxel (x,y,z).
func (g *Grid) Set(x, y, z int, v float32) {
	g.mu.Lock()
	g.setLocked(x, y, z, v)
	g.modCount++
	g.mu.Unlock()
}

func (g *Grid) setLocked(x, y, z int, v float32) *leaf {
	key := leafKey(x, y, z)
	l := g.leaves[key]
	if l == nil {
		l = &leaf{}
		g.leaves[key] = l
	}
	i := leafLocal(x, y, z)
	l.values[i] = v
	l.setActive(i, true)
	return l
}

// SetMaterial writes an active value together with its material id.
func (g *Grid) SetMaterial(x, y, z int, v float32, mat uint16) {
	g.mu.Lock()
	l := g.setLocked(x, y, z, v)
	g.ensureMaterials(l)
	l.materials[leafLocal(x, y, z)] = mat
	g.modCount++
	g.mu.Unlock()
}

func (g *Grid) ensureMaterials(l *leaf) {
	if l.materials == nil {
		l.materials = make([]uint16, LeafVolume)
		g.matLeaves++
	}
}

func (g *Grid) dropLeafLocked(key [3]int, l *leaf) {
	if l.materials != nil {
		g.matLeaves--
	}
	delete(g.leaves, key)
}

// Deactivate returns voxel (x,y,z) to the background. Empty leaves are freed.
func (g *Grid) Deactivate(x, y, z int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := leafKey(x, y, z)
	l := g.leaves[key]
	if l == nil {
		return
	}
	i := leafLocal(x, y, z)
	l.setActive(i, false)
	l.values[i] = 0
	if l.materials != nil {
		l.materials[i] = 0
	}
	if l.activeCount() == 0 {
		g.dropLeafLocked(key, l)
	}
	g.modCount++
}

// Fill evaluates fn for every voxel of the inclusive box and stores the
// result as active. fn returning ok=false leaves the voxel untouched.
func (g *Grid) Fill(min, max [3]int, fn func(x, y, z int) (v float32, mat uint16, ok bool)) {
	defer profiling.Track("grid.Fill")()
	g.mu.Lock()
	defer g.mu.Unlock()
	for x := min[0]; x <= max[0]; x++ {
		for y := min[1]; y <= max[1]; y++ {
			for z := min[2]; z <= max[2]; z++ {
				v, mat, ok := fn(x, y, z)
				if !ok {
					continue
				}
				l := g.setLocked(x, y, z, v)
				if mat != 0 || l.materials != nil {
					g.ensureMaterials(l)
					l.materials[leafLocal(x, y, z)] = mat
				}
			}
		}
	}
	g.modCount++
}

// LeafCount returns the number of allocated leaves.
func (g *Grid) LeafCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.leaves)
}

// ModCount increases on every write.
func (g *Grid) ModCount() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.modCount
}

// EvictLeaves drops every leaf whose minimum corner satisfies far and returns
// the number removed.
func (g *Grid) EvictLeaves(far func(origin [3]int) bool) int {
	defer profiling.Track("grid.EvictLeaves")()
	removed := 0
	g.mu.Lock()
	for key, l := range g.leaves {
		origin := [3]int{key[0] << LeafLog2Dim, key[1] << LeafLog2Dim, key[2] << LeafLog2Dim}
		if far(origin) {
			g.dropLeafLocked(key, l)
			removed++
		}
	}
	if removed > 0 {
		g.modCount++
	}
	g.mu.Unlock()
	return removed
}

// ReadWindow samples the window of c directly; an in-memory grid is always
// resident.
func (g *Grid) ReadWindow(_ context.Context, c tile.Coord, tileSize int) (*Window, error) {
	defer profiling.Track("grid.ReadWindow")()
	w := NewWindow(c, tileSize)
	g.mu.RLock()
	g.sampleLocked(w)
	g.mu.RUnlock()
	return w, nil
}

// sampleLocked point-samples every window position at the tile stride.
func (g *Grid) sampleLocked(w *Window) {
	origin := w.Coord.Origin(w.TileSize)
	stride := w.Coord.Stride()
	n := w.Dim()
	hasMat := g.matLeaves > 0
	if hasMat {
		w.Materials = make([]uint16, n*n*n)
	}
	idx := 0
	for ix := 0; ix < n; ix++ {
		x := origin[0] + (ix-Halo)*stride
		for iy := 0; iy < n; iy++ {
			y := origin[1] + (iy-Halo)*stride
			for iz := 0; iz < n; iz++ {
				z := origin[2] + (iz-Halo)*stride
				v, on := g.getLocked(x, y, z)
				w.Values[idx] = v
				w.Active[idx] = on
				if hasMat {
					w.Materials[idx] = g.materialLocked(x, y, z)
				}
				idx++
			}
		}
	}
}
