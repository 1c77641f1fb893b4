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

package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinedata/spine/internal/ops"
)

// writeConfig points the CLI at a throwaway database.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "spine.yaml")
	content := fmt.Sprintf("database:\n  driver: sqlite\n  path: %s\nlog:\n  level: error\n", filepath.Join(dir, "spine.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCommand(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand("test")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestSubmitGetCancel(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCommand(t, cfg, "submit", "task:extract", "-p", "day=2025-01-01")
	require.NoError(t, err)
	require.Contains(t, out, "submitted")

	fields := strings.Fields(out)
	require.GreaterOrEqual(t, len(fields), 2)
	id := fields[1]

	out, err = runCommand(t, cfg, "get", id)
	require.NoError(t, err)
	assert.Contains(t, out, "task:extract")
	assert.Contains(t, out, "pending")

	out, err = runCommand(t, cfg, "get", id, "--events")
	require.NoError(t, err)
	assert.Contains(t, out, "created")

	out, err = runCommand(t, cfg, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	_, err = runCommand(t, cfg, "cancel", id)
	require.Error(t, err, "terminal executions do not cancel twice")
}

func TestSubmit_DryRunWritesNothing(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCommand(t, cfg, "submit", "task:extract", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")

	out, err = runCommand(t, cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "0 of 0 execution(s)")
}

func TestSubmit_EmptyOperationIsConfigError(t *testing.T) {
	cfg := writeConfig(t)

	_, err := runCommand(t, cfg, "submit", "")
	require.Error(t, err)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitConfig, exitErr.Code)
}

func TestList_JSONOutput(t *testing.T) {
	cfg := writeConfig(t)

	_, err := runCommand(t, cfg, "submit", "task:extract")
	require.NoError(t, err)

	out, err := runCommand(t, cfg, "--json", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"total": 1`)
	assert.Contains(t, out, `"workflow": "task:extract"`)
}

func TestScheduleLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCommand(t, cfg, "schedule", "create", "nightly",
		"--target", "task:ingest", "--cron", "@daily", "-p", "mode=full")
	require.NoError(t, err)
	require.Contains(t, out, "created")
	id := strings.Fields(out)[1]

	out, err = runCommand(t, cfg, "schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "operation:ingest")

	out, err = runCommand(t, cfg, "schedule", "trigger", id)
	require.NoError(t, err)
	assert.Contains(t, out, "triggered execution")

	// The manual trigger landed in the ledger with the schedule trigger.
	out, err = runCommand(t, cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "schedule")

	_, err = runCommand(t, cfg, "schedule", "delete", id)
	require.NoError(t, err)
}

func TestSchedule_MissingSpecFails(t *testing.T) {
	cfg := writeConfig(t)

	_, err := runCommand(t, cfg, "schedule", "create", "broken", "--target", "task:x")
	require.Error(t, err)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitConfig, exitErr.Code)
}

func TestPurge_EmptyDatabase(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCommand(t, cfg, "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "0 row(s) deleted")
}

func TestBadConfigIsExitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0o600))

	_, err := runCommand(t, path, "list")
	require.Error(t, err)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitConfig, exitErr.Code)
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"day=2025-01-01", "batch=500", "dry=true", `regions=["eu","us"]`})
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01", params["day"])
	assert.Equal(t, float64(500), params["batch"])
	assert.Equal(t, true, params["dry"])
	assert.Equal(t, []any{"eu", "us"}, params["regions"])

	_, err = parseParams([]string{"no-equals"})
	require.Error(t, err)
}

func TestOpErrMapping(t *testing.T) {
	assert.Equal(t, ExitConfig, opErr(&ops.OpError{Code: ops.CodeValidationFailed}).Code)
	assert.Equal(t, ExitFailure, opErr(&ops.OpError{Code: ops.CodeNotFound}).Code)
	assert.Equal(t, ExitFailure, opErr(&ops.OpError{Code: ops.CodeConflict}).Code)

	wrapped := fmt.Errorf("outer: %w", ConfigErr("inner", errors.New("cause")))
	var exitErr *ExitError
	require.True(t, errors.As(wrapped, &exitErr))
	assert.Equal(t, ExitConfig, exitErr.Code)
}
