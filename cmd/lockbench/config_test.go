package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig should validate, got %v", err)
	}
}

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	override := Config{Workers: 4, Txns: 100, RIDs: 1000, Seed: 7, Verbose: true}
	flagsSet := map[string]bool{"workers": true, "txns": true, "rids": true, "seed": true, "verbose": true}

	cfg, err := LoadConfig("", override, flagsSet)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Workers != 4 || cfg.Txns != 100 || cfg.RIDs != 1000 || cfg.Seed != 7 || !cfg.Verbose {
		t.Fatalf("flag overrides not applied, got %+v", cfg)
	}
	// Fields with no corresponding flag keep the default.
	if cfg.ThreeLocks != DefaultConfig().ThreeLocks {
		t.Fatalf("ThreeLocks should retain its default, got %d", cfg.ThreeLocks)
	}
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lockbench.yaml")
	contents := "workers: 8\ntxns: 500\nrids: 2000\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path, Config{}, map[string]bool{})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Workers != 8 || cfg.Txns != 500 || cfg.RIDs != 2000 {
		t.Fatalf("YAML values not applied, got %+v", cfg)
	}
	// Unset-by-file fields keep the built-in default.
	if cfg.Seed != DefaultConfig().Seed {
		t.Fatalf("Seed should retain its default, got %d", cfg.Seed)
	}
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/lockbench.yaml", Config{}, map[string]bool{}); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestValidateRejectsBadShapes(t *testing.T) {
	cases := []Config{
		{Workers: 0, Txns: 1, RIDs: 1},
		{Workers: 1, Txns: 0, RIDs: 1},
		{Workers: 1, Txns: 1, RIDs: 0},
		{Workers: 1, Txns: 1, RIDs: 10, ThreeLocks: 10},
		{Workers: 1, Txns: 1, RIDs: 10, ThreeLocks: -1},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected Validate to reject %+v", i, c)
		}
	}
}
