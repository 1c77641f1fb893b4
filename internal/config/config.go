// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the runtime configuration from YAML with
// environment-variable overrides. Environment beats file beats defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spinedata/spine/internal/retention"
	"github.com/spinedata/spine/pkg/errors"
)

// Config is the complete runtime configuration.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Log       LogConfig        `yaml:"log"`
	Worker    WorkerConfig     `yaml:"worker"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Bridge    BridgeConfig     `yaml:"bridge"`
	Retention retention.Config `yaml:"retention"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// Path is the SQLite file path. ":memory:" is accepted.
	Path string `yaml:"path,omitempty"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn,omitempty"`
	// WAL enables SQLite write-ahead logging.
	WAL bool `yaml:"wal,omitempty"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// WorkerConfig tunes the dispatcher loop.
type WorkerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// SchedulerConfig tunes the scheduler loop.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}

// RuntimeConfig selects and tunes the execution backend.
type RuntimeConfig struct {
	// Default names the adapter jobs route to when a spec names none.
	Default string `yaml:"default"`
	// WorkingDir is where the local process adapter runs jobs.
	WorkingDir string `yaml:"working_dir,omitempty"`
	// DockerHost overrides the Docker daemon address.
	DockerHost string `yaml:"docker_host,omitempty"`
}

// BridgeConfig tunes the workflow-to-container bridge.
type BridgeConfig struct {
	DefaultImage   string        `yaml:"default_image,omitempty"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dataDir(), "spine.db"),
			WAL:    true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Worker: WorkerConfig{
			PollInterval:   time.Second,
			MaxConcurrency: 8,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
			LockTTL:      time.Minute,
		},
		Runtime: RuntimeConfig{Default: "local"},
		Bridge: BridgeConfig{
			PollInterval:   2 * time.Second,
			DefaultTimeout: time.Hour,
		},
		Retention: retention.DefaultConfig(),
	}
}

// Load reads configuration from an optional YAML file and the
// environment. Environment variables take precedence over the file.
// An empty path uses defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CategoryConfig, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, errors.CategoryParse, "parsing config file %s", path)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values so minimal config files work.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Database.Driver == "" {
		c.Database.Driver = defaults.Database.Driver
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = defaults.Database.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = defaults.Worker.PollInterval
	}
	if c.Worker.MaxConcurrency <= 0 {
		c.Worker.MaxConcurrency = defaults.Worker.MaxConcurrency
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = defaults.Scheduler.TickInterval
	}
	if c.Scheduler.LockTTL <= 0 {
		c.Scheduler.LockTTL = defaults.Scheduler.LockTTL
	}
	if c.Runtime.Default == "" {
		c.Runtime.Default = defaults.Runtime.Default
	}
	if c.Bridge.PollInterval <= 0 {
		c.Bridge.PollInterval = defaults.Bridge.PollInterval
	}
	if c.Bridge.DefaultTimeout <= 0 {
		c.Bridge.DefaultTimeout = defaults.Bridge.DefaultTimeout
	}
}

// loadFromEnv applies SPINE_* environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("SPINE_DB_DRIVER"); val != "" {
		c.Database.Driver = val
	}
	if val := os.Getenv("SPINE_DB_PATH"); val != "" {
		c.Database.Path = val
	}
	if val := os.Getenv("SPINE_DB_DSN"); val != "" {
		c.Database.DSN = val
	}
	if val := os.Getenv("SPINE_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("SPINE_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("SPINE_WORKER_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Worker.PollInterval = d
		}
	}
	if val := os.Getenv("SPINE_WORKER_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.MaxConcurrency = n
		}
	}
	if val := os.Getenv("SPINE_SCHEDULER_TICK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scheduler.TickInterval = d
		}
	}
	if val := os.Getenv("SPINE_RUNTIME_DEFAULT"); val != "" {
		c.Runtime.Default = val
	}
	if val := os.Getenv("SPINE_DOCKER_HOST"); val != "" {
		c.Runtime.DockerHost = val
	}
	if val := os.Getenv("SPINE_BRIDGE_IMAGE"); val != "" {
		c.Bridge.DefaultImage = val
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New(errors.CategoryConfig, "sqlite driver requires database.path")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New(errors.CategoryConfig, "postgres driver requires database.dsn")
		}
	default:
		return errors.Newf(errors.CategoryConfig, "unknown database driver %q", c.Database.Driver)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.CategoryConfig, "unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Newf(errors.CategoryConfig, "unknown log format %q", c.Log.Format)
	}

	switch c.Runtime.Default {
	case "local", "docker", "stub":
	default:
		return errors.Newf(errors.CategoryConfig, "unknown runtime %q", c.Runtime.Default)
	}
	return nil
}

// dataDir returns the XDG data directory for spine, created on demand.
func dataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		base = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(base, "spine")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "."
	}
	return dir
}
