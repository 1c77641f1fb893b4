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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Worker.MaxConcurrency)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "local", cfg.Runtime.Default)
	assert.Equal(t, 30, cfg.Retention.ExecutionDays)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  path: /tmp/custom.db
log:
  level: debug
worker:
  max_concurrency: 2
runtime:
  default: docker
bridge:
  default_image: spine/ops:v3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Worker.MaxConcurrency)
	assert.Equal(t, "docker", cfg.Runtime.Default)
	assert.Equal(t, "spine/ops:v3", cfg.Bridge.DefaultImage)
	// Untouched fields keep their defaults.
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, time.Minute, cfg.Scheduler.LockTTL)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	t.Setenv("SPINE_LOG_LEVEL", "error")
	t.Setenv("SPINE_WORKER_MAX_CONCURRENCY", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Worker.MaxConcurrency)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"bad driver":           "database:\n  driver: oracle\n",
		"bad level":            "log:\n  level: loud\n",
		"bad format":           "log:\n  format: xml\n",
		"bad runtime":          "runtime:\n  default: mainframe\n",
		"postgres without dsn": "database:\n  driver: postgres\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
