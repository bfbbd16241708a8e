package config

import "fmt"

// Terrain configures the procedural volume the CLI streams in.
type Terrain struct {
	Seed          int64 `yaml:"seed"`
	BaseHeight    int   `yaml:"base_height"` // voxel altitude of the mean surface
	BrickSize     int   `yaml:"brick_size"`  // voxels per streamed brick edge
	StreamWorkers int   `yaml:"stream_workers"`
	Resident      int   `yaml:"resident_bricks"` // max bricks requested at once
}

// DefaultTerrain returns the built-in terrain settings.
func DefaultTerrain() Terrain {
	return Terrain{
		Seed:          1,
		BaseHeight:    32,
		BrickSize:     32,
		StreamWorkers: 2,
		Resident:      256,
	}
}

func (t *Terrain) clamp() {
	if t.StreamWorkers < 1 {
		t.StreamWorkers = 1
	}
	if t.StreamWorkers > 16 {
		t.StreamWorkers = 16
	}
	if t.Resident < 8 {
		t.Resident = 8
	}
}

func (t Terrain) validate() error {
	if t.BrickSize < 8 || t.BrickSize%8 != 0 {
		return fmt.Errorf("terrain.brick_size %d must be a positive multiple of 8", t.BrickSize)
	}
	return nil
}
