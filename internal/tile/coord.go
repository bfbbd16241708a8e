package tile

import "fmt"

// Face identifies one of the six boundary faces of a tile.
type Face uint8

const (
	FacePosX Face = iota
	FaceNegX
	FacePosY
	FaceNegY
	FacePosZ
	FaceNegZ
	NumFaces
)

// Axis returns 0, 1 or 2 for the axis the face is perpendicular to.
func (f Face) Axis() int {
	return int(f) / 2
}

// Sign returns +1 for positive faces and -1 for negative ones.
func (f Face) Sign() int {
	if f%2 == 0 {
		return 1
	}
	return -1
}

// Opposite returns the face on the other side of the boundary.
func (f Face) Opposite() Face {
	return f ^ 1
}

func (f Face) String() string {
	switch f {
	case FacePosX:
		return "+x"
	case FaceNegX:
		return "-x"
	case FacePosY:
		return "+y"
	case FaceNegY:
		return "-y"
	case FacePosZ:
		return "+z"
	case FaceNegZ:
		return "-z"
	}
	return fmt.Sprintf("face(%d)", uint8(f))
}

// Coord identifies a cubic tile of the volume at a level of detail.
// At LOD l a tile spans tileSize<<l voxels per axis, sampled every 1<<l voxels.
type Coord struct {
	X, Y, Z int
	LOD     int
}

// Stride is the voxel distance between two samples of the tile.
func (c Coord) Stride() int {
	return 1 << c.LOD
}

// Extent is the number of voxels the tile spans per axis.
func (c Coord) Extent(tileSize int) int {
	return tileSize << c.LOD
}

// Origin returns the voxel-space position of the tile's minimum corner.
func (c Coord) Origin(tileSize int) [3]int {
	e := c.Extent(tileSize)
	return [3]int{c.X * e, c.Y * e, c.Z * e}
}

// Neighbor returns the tile sharing face f at the same LOD.
func (c Coord) Neighbor(f Face) Coord {
	n := c
	d := f.Sign()
	switch f.Axis() {
	case 0:
		n.X += d
	case 1:
		n.Y += d
	default:
		n.Z += d
	}
	return n
}

// Parent returns the tile one LOD coarser that contains c.
func (c Coord) Parent() Coord {
	return Coord{X: floorDiv(c.X, 2), Y: floorDiv(c.Y, 2), Z: floorDiv(c.Z, 2), LOD: c.LOD + 1}
}

// Children returns the eight tiles one LOD finer that c covers. A tile at
// LOD 0 has none.
func (c Coord) Children() []Coord {
	if c.LOD == 0 {
		return nil
	}
	out := make([]Coord, 0, 8)
	for i := range 8 {
		out = append(out, Coord{
			X:   2*c.X + i&1,
			Y:   2*c.Y + i>>1&1,
			Z:   2*c.Z + i>>2&1,
			LOD: c.LOD - 1,
		})
	}
	return out
}

// Less orders coordinates by LOD, then X, Y, Z.
func (c Coord) Less(o Coord) bool {
	if c.LOD != o.LOD {
		return c.LOD < o.LOD
	}
	if c.X != o.X {
		return c.X < o.X
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.Z < o.Z
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)@%d", c.X, c.Y, c.Z, c.LOD)
}

// floorDiv performs integer division rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// FloorDiv is exported for packages that map voxel positions to tiles.
func FloorDiv(a, b int) int {
	return floorDiv(a, b)
}
