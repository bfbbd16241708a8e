package meshing

import "github.com/go-gl/mathgl/mgl32"

// Cube corner i sits at (i&1, i>>1&1, i>>2&1). Edges connect corners that
// differ in one bit and always run from the lower corner to the higher one,
// so every lattice edge is interpolated in the same direction no matter which
// cell or tile visits it.
var cubeEdges = [12][2]int{
	// along x
	{0, 1}, {2, 3}, {4, 5}, {6, 7},
	// along y
	{0, 2}, {1, 3}, {4, 6}, {5, 7},
	// along z
	{0, 4}, {1, 5}, {2, 6}, {3, 7},
}

// edgeAxis is the axis each cube edge runs along.
var edgeAxis = [12]int{0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2}

func cornerOffset(c int) [3]int {
	return [3]int{c & 1, (c >> 1) & 1, (c >> 2) & 1}
}

// triTable lists, per inside-corner mask, the cube edges of each output
// triangle, counter-clockwise seen from outside the surface.
var triTable = buildTriTable()

func edgeBetween(a, b int) int {
	if a > b {
		a, b = b, a
	}
	for e, c := range cubeEdges {
		if c[0] == a && c[1] == b {
			return e
		}
	}
	panic("meshing: corners do not share an edge")
}

// cubeFaces returns the corners of each cube face in counter-clockwise order
// seen from outside the cube.
func cubeFaces() [6][4]int {
	var faces [6][4]int
	for axis := range 3 {
		// u x v points along +axis
		u, v := (axis+1)%3, (axis+2)%3
		for side := range 2 {
			uu, vv := u, v
			if side == 0 {
				uu, vv = v, u
			}
			quad := [4][2]int{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
			for i, q := range quad {
				c := side << axis
				c |= q[0] << uu
				c |= q[1] << vv
				faces[axis*2+side][i] = c
			}
		}
	}
	return faces
}

// buildTriTable derives the triangulation of every corner configuration.
// On each face the crossing points are joined so inside corners stay on the
// left seen from outside the cube; a face with two diagonal inside corners
// keeps them separated. The segments chain into closed loops around the
// cube, and each loop is fanned into triangles. Because the rule only reads
// the four corners of a face, two cells sharing a face always agree on it.
func buildTriTable() [256][]int {
	faces := cubeFaces()
	var table [256][]int
	for mask := 1; mask < 255; mask++ {
		inside := func(c int) bool { return mask&(1<<c) != 0 }
		next := make(map[int]int)
		for _, f := range faces {
			for i := range 4 {
				a, b := f[i], f[(i+1)%4]
				if inside(a) || !inside(b) {
					continue
				}
				// entering the inside arc at edge i; find where it leaves
				j := (i + 1) % 4
				for inside(f[(j+1)%4]) {
					j = (j + 1) % 4
				}
				enter := edgeBetween(a, b)
				leave := edgeBetween(f[j], f[(j+1)%4])
				next[leave] = enter
			}
		}
		seen := make(map[int]bool)
		var tris []int
		for e := range 12 {
			if _, ok := next[e]; !ok || seen[e] {
				continue
			}
			var loop []int
			for cur := e; !seen[cur]; cur = next[cur] {
				seen[cur] = true
				loop = append(loop, cur)
			}
			for k := 1; k+1 < len(loop); k++ {
				tris = append(tris, loop[0], loop[k], loop[k+1])
			}
		}
		table[mask] = tris
	}
	orientTable(&table)
	return table
}

// orientTable flips every triangle if the single-corner case does not face
// away from its inside corner.
func orientTable(table *[256][]int) {
	mid := func(e int) mgl32.Vec3 {
		a, b := cornerOffset(cubeEdges[e][0]), cornerOffset(cubeEdges[e][1])
		return mgl32.Vec3{
			float32(a[0]+b[0]) / 2,
			float32(a[1]+b[1]) / 2,
			float32(a[2]+b[2]) / 2,
		}
	}
	t := table[1]
	p0, p1, p2 := mid(t[0]), mid(t[1]), mid(t[2])
	n := p1.Sub(p0).Cross(p2.Sub(p0))
	centroid := p0.Add(p1).Add(p2).Mul(1.0 / 3)
	if n.Dot(centroid) > 0 {
		return
	}
	for mask := range table {
		tris := table[mask]
		for i := 0; i+2 < len(tris); i += 3 {
			tris[i+1], tris[i+2] = tris[i+2], tris[i+1]
		}
	}
}
