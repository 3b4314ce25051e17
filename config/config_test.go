package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
listen: "127.0.0.1:9001"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9001" {
		t.Errorf("Listen = %q, want 127.0.0.1:9001", cfg.Listen)
	}
	if cfg.HighWaterMark != 1<<20 {
		t.Errorf("HighWaterMark default = %d, want %d", cfg.HighWaterMark, 1<<20)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level default = %q, want info", cfg.Log.Level)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
listen: "0.0.0.0:9000"
io_loops: 4
reuse_port: true
tcp_no_delay: true
keep_alive: 5m
high_water_mark: 2097152
log:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IOLoops != 4 {
		t.Errorf("IOLoops = %d, want 4", cfg.IOLoops)
	}
	if !cfg.ReusePort {
		t.Error("ReusePort = false, want true")
	}
	if cfg.KeepAlive != Duration(5*time.Minute) {
		t.Errorf("KeepAlive = %v, want 5m", cfg.KeepAlive)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("Log.Format = %q, want console", cfg.Log.Format)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}
