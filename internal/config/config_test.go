package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.TileSize)
	assert.Equal(t, float32(0.5), cfg.IsoValue)
}

func TestParseKeepsDefaultsForOmittedFields(t *testing.T) {
	cfg, err := Parse([]byte(`
tile_size: 32
iso_value: 0.25
backoff_base: 5ms
terrain:
  seed: 42
`))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.TileSize)
	assert.Equal(t, float32(0.25), cfg.IsoValue)
	assert.Equal(t, 5*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, time.Second, cfg.BackoffMax)
	assert.Equal(t, int64(42), cfg.Terrain.Seed)
	assert.Equal(t, 32, cfg.Terrain.BaseHeight)
	assert.Equal(t, Default().Workers, cfg.Workers)
}

func TestParseClampsSoftLimits(t *testing.T) {
	cfg, err := Parse([]byte(`
workers: 500
max_lod: -3
backoff_base: 2s
backoff_max: 1s
skirt_cache_entries: 1
terrain:
  stream_workers: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Workers)
	assert.Equal(t, 0, cfg.MaxLOD)
	assert.Equal(t, 2*time.Second, cfg.BackoffMax)
	assert.Equal(t, 16, cfg.SkirtCacheEntries)
	assert.Equal(t, 1, cfg.Terrain.StreamWorkers)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"tile size", "tile_size: 1", "tile_size"},
		{"queue limit", "queue_limit: 0", "queue_limit"},
		{"budget", "cache_budget_bytes: -1", "cache_budget_bytes"},
		{"brick size", "terrain:\n  brick_size: 12", "brick_size"},
		{"syntax", "tile_size: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
