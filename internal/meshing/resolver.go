package meshing

import (
	"container/list"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"voxmesh/internal/profiling"
	"voxmesh/internal/tile"
)

// Neighbor describes a coarser tile across one face of the fragment being
// stitched. Fragment may be nil when the neighbour has no ready mesh yet.
type Neighbor struct {
	Face     tile.Face
	Coord    tile.Coord
	Fragment *Fragment
}

type skirtKey struct {
	owner    tile.Coord
	ownerGen uint64
	face     tile.Face
	neighbor tile.Coord
	nbGen    uint64
	nbReady  bool
}

type skirtEntry struct {
	key   skirtKey
	skirt Skirt
}

// Resolver attaches LOD transition skirts to fragments. Equal-LOD seams need
// no work: neighbouring extractions already share boundary vertices exactly.
// Skirts are memoised per boundary pair and generation.
type Resolver struct {
	tileSize int

	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	memo     map[skirtKey]*list.Element
	hits     uint64
	misses   uint64
}

// NewResolver creates a resolver remembering up to capacity skirts.
func NewResolver(tileSize, capacity int) *Resolver {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Resolver{
		tileSize: tileSize,
		capacity: capacity,
		order:    list.New(),
		memo:     make(map[skirtKey]*list.Element),
	}
}

// Stitch returns frag with one skirt per coarser neighbour. Neighbours that
// are not coarser than frag are ignored. frag itself is never modified.
func (r *Resolver) Stitch(frag *Fragment, neighbors []Neighbor) *Fragment {
	defer profiling.Track("meshing.Stitch")()
	var skirts []Skirt
	for _, nb := range neighbors {
		if nb.Coord.LOD <= frag.Coord.LOD {
			continue
		}
		key := skirtKey{
			owner:    frag.Coord,
			ownerGen: frag.Generation,
			face:     nb.Face,
			neighbor: nb.Coord,
		}
		if nb.Fragment != nil {
			key.nbGen = nb.Fragment.Generation
			key.nbReady = true
		}
		s, ok := r.lookup(key)
		if !ok {
			s = r.buildSkirt(frag, nb)
			r.store(key, s)
		}
		if len(s.Indices) > 0 {
			skirts = append(skirts, s)
		}
	}
	if len(skirts) == 0 && len(frag.Skirts) == 0 {
		return frag
	}
	return frag.WithSkirts(skirts)
}

// Stats returns memo hits and misses.
func (r *Resolver) Stats() (hits, misses uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.misses
}

func (r *Resolver) lookup(k skirtKey) (Skirt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.memo[k]
	if !ok {
		r.misses++
		return Skirt{}, false
	}
	r.hits++
	r.order.MoveToFront(el)
	return el.Value.(*skirtEntry).skirt, true
}

func (r *Resolver) store(k skirtKey, s Skirt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.memo[k]; ok {
		r.order.MoveToFront(el)
		return
	}
	r.memo[k] = r.order.PushFront(&skirtEntry{key: k, skirt: s})
	for r.order.Len() > r.capacity {
		last := r.order.Back()
		r.order.Remove(last)
		delete(r.memo, last.Value.(*skirtEntry).key)
	}
}

type boundaryEdge struct {
	a, b uint32 // in triangle winding order
}

// boundaryEdges returns the triangle edges of frag lying on the given plane,
// in index order.
func boundaryEdges(pos []mgl32.Vec3, indices []uint32, axis int, plane float32) []boundaryEdge {
	var out []boundaryEdge
	on := func(i uint32) bool { return pos[i][axis] == plane }
	for t := 0; t+2 < len(indices); t += 3 {
		tri := [3]uint32{indices[t], indices[t+1], indices[t+2]}
		for e := range 3 {
			a, b := tri[e], tri[(e+1)%3]
			if a != b && on(a) && on(b) {
				out = append(out, boundaryEdge{a: a, b: b})
			}
		}
	}
	return out
}

// buildSkirt extrudes every boundary edge of frag on nb.Face toward the
// coarser neighbour's boundary polyline on the same plane. Without such a
// polyline the edge drops inward by half the neighbour's stride.
func (r *Resolver) buildSkirt(frag *Fragment, nb Neighbor) Skirt {
	s := Skirt{Face: nb.Face, Neighbor: nb.Coord}
	axis := nb.Face.Axis()
	plane := facePlane(frag.Coord, nb.Face, r.tileSize)
	edges := boundaryEdges(frag.Positions, frag.Indices, axis, plane)
	if len(edges) == 0 {
		return s
	}

	// coarse boundary segments, moved into frag's local space
	var segs [][2]mgl32.Vec3
	if nb.Fragment != nil {
		nf := nb.Fragment
		shift := mgl32.Vec3{
			float32(nf.Origin[0] - frag.Origin[0]),
			float32(nf.Origin[1] - frag.Origin[1]),
			float32(nf.Origin[2] - frag.Origin[2]),
		}
		nbPlane := plane - shift[axis]
		for _, e := range boundaryEdges(nf.Positions, nf.Indices, axis, nbPlane) {
			segs = append(segs, [2]mgl32.Vec3{nf.Positions[e.a].Add(shift), nf.Positions[e.b].Add(shift)})
		}
	}
	s.Fallback = len(segs) == 0
	drop := float32(nb.Coord.Stride()) / 2

	target := func(i uint32) mgl32.Vec3 {
		p := frag.Positions[i]
		if s.Fallback {
			return p.Sub(frag.Normals[i].Mul(drop))
		}
		return nearestOnSegments(p, segs)
	}

	// one skirt vertex pair per boundary vertex
	remap := make(map[uint32]uint32)
	vert := func(i uint32) uint32 {
		if v, ok := remap[i]; ok {
			return v
		}
		v := uint32(len(s.Positions))
		n := frag.Normals[i]
		s.Positions = append(s.Positions, frag.Positions[i], target(i))
		s.Normals = append(s.Normals, n, n)
		remap[i] = v
		return v
	}

	for _, e := range edges {
		pa, pb := vert(e.a), vert(e.b)
		qa, qb := pa+1, pb+1
		if s.Positions[pa] == s.Positions[qa] && s.Positions[pb] == s.Positions[qb] {
			continue
		}
		// the surface beyond the boundary would carry edge b->a
		s.Indices = append(s.Indices, pb, pa, qa, pb, qa, qb)
	}
	return s
}

// nearestOnSegments projects p onto the closest segment; ties keep the
// earliest segment.
func nearestOnSegments(p mgl32.Vec3, segs [][2]mgl32.Vec3) mgl32.Vec3 {
	best := p
	bestD := float32(-1)
	for _, sg := range segs {
		a, b := sg[0], sg[1]
		ab := b.Sub(a)
		t := float32(0)
		if l2 := ab.Dot(ab); l2 > 0 {
			t = mgl32.Clamp(p.Sub(a).Dot(ab)/l2, 0, 1)
		}
		q := a.Add(ab.Mul(t))
		d := q.Sub(p)
		if dd := d.Dot(d); bestD < 0 || dd < bestD {
			best, bestD = q, dd
		}
	}
	return best
}
