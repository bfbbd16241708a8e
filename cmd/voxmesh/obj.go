package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/go-gl/mathgl/mgl32"

	"voxmesh/internal/meshing"
	"voxmesh/internal/volume"
)

// writeOBJ dumps every cached fragment, skirts included, as one object per
// tile in world space. It returns the number of fragments written.
func writeOBJ(path string, v *volume.Volume) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create obj: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# voxmesh volume %s\n", v.ID())

	base := 1 // obj indices are 1-based and global
	n := 0
	for _, c := range v.Coords() {
		h, ok := v.ReadyFragment(c)
		if !ok {
			continue
		}
		frag := h.Fragment()
		if !frag.Empty() {
			fmt.Fprintf(w, "o tile_%d_%d_%d_lod%d\n", c.X, c.Y, c.Z, c.LOD)
			base = writeGeometry(w, frag, frag.Positions, frag.Normals, frag.Indices, base)
			for _, s := range frag.Skirts {
				base = writeGeometry(w, frag, s.Positions, s.Normals, s.Indices, base)
			}
			n++
		}
		h.Release()
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return n, fmt.Errorf("write obj: %w", err)
	}
	return n, f.Close()
}

func writeGeometry(w *bufio.Writer, frag *meshing.Fragment, pos, nrm []mgl32.Vec3, idx []uint32, base int) int {
	o := frag.Origin
	for i, p := range pos {
		fmt.Fprintf(w, "v %g %g %g\n", float64(o[0])+float64(p[0]), float64(o[1])+float64(p[1]), float64(o[2])+float64(p[2]))
		nv := nrm[i]
		fmt.Fprintf(w, "vn %g %g %g\n", nv[0], nv[1], nv[2])
	}
	for t := 0; t+2 < len(idx); t += 3 {
		a, b, c := base+int(idx[t]), base+int(idx[t+1]), base+int(idx[t+2])
		fmt.Fprintf(w, "f %d//%d %d//%d %d//%d\n", a, a, b, b, c, c)
	}
	return base + len(pos)
}
