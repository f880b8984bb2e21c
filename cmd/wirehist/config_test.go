package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wirehist.yaml")
	data := `
addr: "127.0.0.1:9000"
trace: true
trace_db: traces.db
telemetry: true
watch:
  enabled: true
  interval: 250ms
  debounce: 100ms
snapshot:
  base_interval: 500
  keep: 2
history:
  cache_size: 20
scrub:
  interval: 100
group:
  idle_threshold: 300ms
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServeConfig(path)
	if err != nil {
		t.Fatalf("LoadServeConfig: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q, want 127.0.0.1:9000", cfg.Addr)
	}
	if !cfg.Trace || cfg.TraceDB != "traces.db" {
		t.Errorf("Trace = %v, TraceDB = %q", cfg.Trace, cfg.TraceDB)
	}
	if !cfg.Telemetry {
		t.Error("Telemetry = false, want true")
	}
	if cfg.Watch.Interval != 250*time.Millisecond {
		t.Errorf("Watch.Interval = %v, want 250ms", cfg.Watch.Interval)
	}
	if cfg.Snapshot.BaseInterval != 500 || cfg.Snapshot.Keep != 2 {
		t.Errorf("Snapshot = %+v", cfg.Snapshot)
	}
	if cfg.Group.IdleThreshold != 300*time.Millisecond {
		t.Errorf("Group.IdleThreshold = %v, want 300ms", cfg.Group.IdleThreshold)
	}
}

func TestResolveServeConfigDefaults(t *testing.T) {
	cfg, err := resolveServeConfig("", "")
	if err != nil {
		t.Fatalf("resolveServeConfig: %v", err)
	}
	if cfg.Addr != ":8470" {
		t.Errorf("Addr = %q, want :8470", cfg.Addr)
	}
	if cfg.TraceDB != "" {
		t.Errorf("TraceDB = %q, want empty while tracing is off", cfg.TraceDB)
	}

	cfg, err = resolveServeConfig("", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "127.0.0.1:0" {
		t.Errorf("Addr = %q, want flag override", cfg.Addr)
	}
}

func TestTraceDefaultsNameTheTraceDB(t *testing.T) {
	cfg := &ServeConfig{Trace: true}
	cfg.defaults()
	if cfg.TraceDB == "" {
		t.Error("TraceDB empty with tracing enabled")
	}
}

func TestSessionOptionsMapping(t *testing.T) {
	cfg := &ServeConfig{
		Trace:     true,
		Telemetry: true,
		Snapshot:  SnapshotConfig{BaseInterval: 50, Keep: 3},
		History:   HistoryConfig{CacheSize: 7},
		Scrub:     ScrubConfig{Budget: 1 << 20, Interval: 10},
		Group:     GroupConfig{IdleThreshold: time.Second},
	}
	opts := cfg.SessionOptions()
	if !opts.Trace || !opts.Telemetry {
		t.Errorf("Trace = %v, Telemetry = %v, want both true", opts.Trace, opts.Telemetry)
	}
	if opts.Snapshot.BaseInterval != 50 || opts.Snapshot.Keep != 3 {
		t.Errorf("Snapshot = %+v", opts.Snapshot)
	}
	if opts.Navigator.CacheSize != 7 {
		t.Errorf("Navigator.CacheSize = %d, want 7", opts.Navigator.CacheSize)
	}
	if opts.Scrub.Budget != 1<<20 || opts.Scrub.Interval != 10 {
		t.Errorf("Scrub = %+v", opts.Scrub)
	}
	if opts.Group.IdleThreshold != time.Second {
		t.Errorf("Group.IdleThreshold = %v, want 1s", opts.Group.IdleThreshold)
	}
}
