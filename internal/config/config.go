package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of a volume.
type Config struct {
	TileSize int     `yaml:"tile_size"` // samples per tile edge
	IsoValue float32 `yaml:"iso_value"`
	MaxLOD   int     `yaml:"max_lod"`

	Workers    int `yaml:"workers"`
	QueueLimit int `yaml:"queue_limit"`

	CacheBudgetBytes int64 `yaml:"cache_budget_bytes"`

	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	SkirtCacheEntries int `yaml:"skirt_cache_entries"`

	Terrain Terrain `yaml:"terrain"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		TileSize:          16,
		IsoValue:          0.5,
		MaxLOD:            4,
		Workers:           4,
		QueueLimit:        4096,
		CacheBudgetBytes:  256 << 20,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        time.Second,
		SkirtCacheEntries: 1024,
		Terrain:           DefaultTerrain(),
	}
}

// Load reads a YAML file. Omitted fields keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, clamps soft limits and validates.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Clamp pulls soft limits into their supported ranges.
func (c *Config) Clamp() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Workers > 64 {
		c.Workers = 64
	}
	if c.MaxLOD < 0 {
		c.MaxLOD = 0
	}
	if c.MaxLOD > 8 {
		c.MaxLOD = 8
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.SkirtCacheEntries < 16 {
		c.SkirtCacheEntries = 16
	}
	c.Terrain.clamp()
}

// Validate rejects values that cannot be fixed up.
func (c Config) Validate() error {
	var errs []error
	if c.TileSize < 2 || c.TileSize > 128 {
		errs = append(errs, fmt.Errorf("tile_size %d out of range [2,128]", c.TileSize))
	}
	if math.IsNaN(float64(c.IsoValue)) {
		errs = append(errs, errors.New("iso_value is NaN"))
	}
	if c.QueueLimit < 1 {
		errs = append(errs, fmt.Errorf("queue_limit %d must be positive", c.QueueLimit))
	}
	if c.CacheBudgetBytes < 0 {
		errs = append(errs, fmt.Errorf("cache_budget_bytes %d is negative", c.CacheBudgetBytes))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("backoff_base %s must be positive", c.BackoffBase))
	}
	if err := c.Terrain.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
