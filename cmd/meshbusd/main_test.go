package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFromExplicitPathOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshbus.yaml")
	if err := os.WriteFile(path, []byte("name: worker-a\ndebug: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Name != "worker-a" {
		t.Fatalf("Name = %q, want worker-a", cfg.Name)
	}
	if !cfg.Debug {
		t.Fatal("Debug = false, want true")
	}
}

func TestLoadConfigWithNoPathFallsBackToDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Name == "" {
		t.Fatal("Name = \"\", want a default value")
	}
}
