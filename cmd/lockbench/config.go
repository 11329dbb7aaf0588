package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the benchmark harness's workload shape: workers concurrent
// goroutines, each driving txns transactions over a simulated table of rids
// records, where each transaction takes shared_reads shared locks followed by
// one exclusive (or upgrade) lock.
type Config struct {
	Workers    int    `yaml:"workers"`
	Txns       int    `yaml:"txns"`
	RIDs       int    `yaml:"rids"`
	Seed       int64  `yaml:"seed"`
	Verbose    bool   `yaml:"verbose"`
	ThreeLocks int    `yaml:"shared_reads"`
	LogLevel   string `yaml:"log_level"`
}

// DefaultConfig matches the original workload's constants: 20 workers, 10000
// transactions each, over a 100000-record table.
func DefaultConfig() Config {
	return Config{
		Workers:    20,
		Txns:       10000,
		RIDs:       100000,
		Seed:       1,
		Verbose:    false,
		ThreeLocks: 3,
		LogLevel:   "info",
	}
}

// LoadConfig applies, in increasing precedence: built-in defaults, then a
// YAML file at path (if path is non-empty), then the already-parsed flag
// overrides in override. Flags win because they are the operator's
// most-specific, most-recent intent.
func LoadConfig(path string, override Config, flagsSet map[string]bool) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse YAML config: %w", err)
		}
	}

	if flagsSet["workers"] {
		cfg.Workers = override.Workers
	}
	if flagsSet["txns"] {
		cfg.Txns = override.Txns
	}
	if flagsSet["rids"] {
		cfg.RIDs = override.RIDs
	}
	if flagsSet["seed"] {
		cfg.Seed = override.Seed
	}
	if flagsSet["verbose"] {
		cfg.Verbose = override.Verbose
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a workload shape that could never run meaningfully.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Txns <= 0 {
		return fmt.Errorf("txns must be positive, got %d", c.Txns)
	}
	if c.RIDs <= 0 {
		return fmt.Errorf("rids must be positive, got %d", c.RIDs)
	}
	if c.ThreeLocks < 0 || c.ThreeLocks >= c.RIDs {
		return fmt.Errorf("shared_reads must be in [0, rids), got %d", c.ThreeLocks)
	}
	return nil
}
