package volume

import (
	"voxmesh/internal/meshing"
	"voxmesh/internal/tile"
)

// neighbors lists the faces of c that border a visible coarser tile
// instead of a visible tile of its own LOD.
func (v *Volume) neighbors(c tile.Coord) []meshing.Neighbor {
	var out []meshing.Neighbor
	own := c.Parent()
	for f := tile.Face(0); f < tile.NumFaces; f++ {
		n := c.Neighbor(f)
		if v.index.Visible(n) {
			continue
		}
		p := n.Parent()
		if p == own || p.LOD > v.cfg.MaxLOD || !v.index.Visible(p) {
			continue
		}
		nb := meshing.Neighbor{Face: f, Coord: p}
		if h, ok := v.cache.Get(p); ok {
			// only the immutable CPU geometry is read
			nb.Fragment = h.Fragment()
			h.Release()
		}
		out = append(out, nb)
	}
	return out
}

// finerAround returns the tiles one LOD finer that touch a face of p from
// outside.
func finerAround(p tile.Coord) []tile.Coord {
	if p.LOD == 0 {
		return nil
	}
	base := [3]int{2 * p.X, 2 * p.Y, 2 * p.Z}
	var out []tile.Coord
	for f := tile.Face(0); f < tile.NumFaces; f++ {
		axis := f.Axis()
		u, w := (axis+1)%3, (axis+2)%3
		for du := range 2 {
			for dw := range 2 {
				var q [3]int
				q[u] = base[u] + du
				q[w] = base[w] + dw
				if f.Sign() > 0 {
					q[axis] = base[axis] + 2
				} else {
					q[axis] = base[axis] - 1
				}
				out = append(out, tile.Coord{X: q[0], Y: q[1], Z: q[2], LOD: p.LOD - 1})
			}
		}
	}
	return out
}

// published runs on the worker after frag reached the cache. It refreshes
// skirts that depended on the tile and fills in skirts of frag that were
// built before its coarser neighbours had geometry.
func (v *Volume) published(frag *meshing.Fragment) {
	for _, s := range frag.Skirts {
		if s.Fallback {
			v.restitch(frag.Coord)
			break
		}
	}
	for _, c := range finerAround(frag.Coord) {
		v.restitch(c)
	}
	if v.onPublished != nil {
		v.onPublished(frag)
	}
}

// restitch rebuilds the skirts of a Ready tile against the current
// neighbours. A concurrent publish of the tile wins over the restitched copy.
func (v *Volume) restitch(c tile.Coord) {
	if v.index.State(c) != tile.Ready {
		return
	}
	h, ok := v.cache.Get(c)
	if !ok {
		return
	}
	cur := h.Fragment()
	h.Release()

	next := v.resolver.Stitch(cur, v.neighbors(c))
	if next == cur || sameSkirts(cur.Skirts, next.Skirts) {
		return
	}
	if v.cache.CompareAndPut(cur, next) {
		v.restitched.Add(1)
		if v.onPublished != nil {
			v.onPublished(next)
		}
	}
}

// sameSkirts compares skirts by identity; the resolver hands out the same
// memoised geometry for an unchanged boundary pair.
func sameSkirts(a, b []meshing.Skirt) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Face != b[i].Face || a[i].Neighbor != b[i].Neighbor || a[i].Fallback != b[i].Fallback {
			return false
		}
		if len(a[i].Positions) != len(b[i].Positions) {
			return false
		}
		if len(a[i].Positions) > 0 && &a[i].Positions[0] != &b[i].Positions[0] {
			return false
		}
	}
	return true
}
