// CLAUDE:SUMMARY Serve-mode configuration structs and YAML loader for wirehist.
package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teacurran/WireTuner-sub000/docsave"
	"github.com/teacurran/WireTuner-sub000/histnav"
	"github.com/teacurran/WireTuner-sub000/opgroup"
	"github.com/teacurran/WireTuner-sub000/scrub"
	"github.com/teacurran/WireTuner-sub000/snapshot"
)

// ServeConfig holds all serve-mode configuration.
type ServeConfig struct {
	Addr      string         `yaml:"addr"`
	Trace     bool           `yaml:"trace"`
	TraceDB   string         `yaml:"trace_db"`
	Telemetry bool           `yaml:"telemetry"`
	Watch     WatchConfig    `yaml:"watch"`
	Snapshot  SnapshotConfig `yaml:"snapshot"`
	History   HistoryConfig  `yaml:"history"`
	Scrub     ScrubConfig    `yaml:"scrub"`
	Group     GroupConfig    `yaml:"group"`
}

// WatchConfig controls external-change polling on open documents.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
}

// SnapshotConfig controls snapshot cadence and retention.
type SnapshotConfig struct {
	BaseInterval int64 `yaml:"base_interval"`
	SizeStep     int64 `yaml:"size_step"`
	MaxInterval  int64 `yaml:"max_interval"`
	Keep         int   `yaml:"keep"`
}

// HistoryConfig controls the undo navigator.
type HistoryConfig struct {
	CacheSize int `yaml:"cache_size"`
}

// ScrubConfig controls the timeline checkpoint cache.
type ScrubConfig struct {
	Budget   int64 `yaml:"budget"`
	Interval int64 `yaml:"interval"`
}

// GroupConfig controls operation grouping.
type GroupConfig struct {
	IdleThreshold time.Duration `yaml:"idle_threshold"`
}

func (c *ServeConfig) defaults() {
	if c.Addr == "" {
		c.Addr = ":8470"
	}
	if c.Trace && c.TraceDB == "" {
		c.TraceDB = "wirehist-traces.db"
	}
}

// SessionOptions maps the config onto session options. Zero values fall
// through to each package's own defaults.
func (c *ServeConfig) SessionOptions() docsave.SessionOptions {
	return docsave.SessionOptions{
		Trace:     c.Trace,
		Telemetry: c.Telemetry,
		Snapshot: snapshot.Options{
			BaseInterval: c.Snapshot.BaseInterval,
			SizeStep:     c.Snapshot.SizeStep,
			MaxInterval:  c.Snapshot.MaxInterval,
			Keep:         c.Snapshot.Keep,
		},
		Navigator: histnav.Options{CacheSize: c.History.CacheSize},
		Scrub:     scrub.Options{Budget: c.Scrub.Budget, Interval: c.Scrub.Interval},
		Group:     opgroup.Options{IdleThreshold: c.Group.IdleThreshold},
	}
}

// LoadServeConfig reads a YAML config file.
func LoadServeConfig(path string) (*ServeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &ServeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveServeConfig(path, addr string) (*ServeConfig, error) {
	cfg := &ServeConfig{}
	if path != "" {
		var err error
		if cfg, err = LoadServeConfig(path); err != nil {
			return nil, err
		}
	}
	if addr != "" {
		cfg.Addr = addr
	}
	cfg.defaults()
	return cfg, nil
}
