// Package config holds the tunables shared by the recorder, replayer
// and constraint engine, loadable from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full hase configuration. Zero fields are replaced by
// defaults on load.
type Config struct {
	// CheckpointInterval is the maximum number of events replayed
	// from a checkpoint before a new one is taken.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// CheckpointCache bounds how many checkpoints are kept in memory.
	CheckpointCache int `yaml:"checkpoint_cache"`

	// AuxBufferPages is the per-CPU capture buffer size in pages.
	AuxBufferPages int `yaml:"aux_buffer_pages"`

	// Compression selects the trace file body encoding: "zstd" or "none".
	Compression string `yaml:"compression"`

	// SolverTimeout bounds each satisfiability check; on expiry the
	// query answer is Unknown.
	SolverTimeout time.Duration `yaml:"solver_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CheckpointInterval: 4096,
		CheckpointCache:    64,
		AuxBufferPages:     64,
		Compression:        "zstd",
		SolverTimeout:      5 * time.Second,
	}
}

// Load reads path and merges it over the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg.withDefaults(), cfg.validate()
}

func (c Config) withDefaults() Config {
	d := Default()
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.CheckpointCache == 0 {
		c.CheckpointCache = d.CheckpointCache
	}
	if c.AuxBufferPages == 0 {
		c.AuxBufferPages = d.AuxBufferPages
	}
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.SolverTimeout == 0 {
		c.SolverTimeout = d.SolverTimeout
	}
	return c
}

func (c Config) validate() error {
	if c.CheckpointInterval < 1 {
		return fmt.Errorf("checkpoint_interval must be positive, got %d", c.CheckpointInterval)
	}
	if c.AuxBufferPages < 1 {
		return fmt.Errorf("aux_buffer_pages must be positive, got %d", c.AuxBufferPages)
	}
	switch c.Compression {
	case "zstd", "none":
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	return nil
}
