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

package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinedata/spine/internal/engine"
	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/runtime"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/workflow"
)

func newTestBridge(t *testing.T, stub *runtime.Stub, cfg Config) *Bridge {
	t.Helper()
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	router := runtime.NewRouter()
	router.Register(stub)
	eng := engine.New(router, ledger.New(s, nil), nil, nil)
	return New(eng, cfg, nil, nil)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultImage = "spine/ops:latest"
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func TestRunOperation_Succeeds(t *testing.T) {
	stub := runtime.NewStub("stub")
	b := newTestBridge(t, stub, testConfig())

	wctx := workflow.Context{RunID: "run-1", WorkflowName: "daily-load"}
	result, err := b.RunOperation(context.Background(), "task:extract",
		map[string]any{"day": "2025-01-01"}, wctx)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Output["execution_id"])
	assert.Equal(t, "succeeded", result.Output["runtime_state"])
	assert.Equal(t, 0, result.Output["exit_code"])
	assert.Equal(t, 1, stub.SubmitCount)
}

func TestRunOperation_TimeoutCancels(t *testing.T) {
	stub := runtime.NewStub("stub")
	stub.AutoSucceed = false

	cfg := testConfig()
	cfg.DefaultTimeout = time.Millisecond // rounds down to a zero deadline
	b := newTestBridge(t, stub, cfg)

	result, err := b.RunOperation(context.Background(), "task:slow", nil, workflow.Context{RunID: "run-2"})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, workflow.ErrTimeout, result.Category)
	assert.Equal(t, 1, stub.CancelCount)
}

func TestRunOperation_SubmitErrorPropagates(t *testing.T) {
	stub := runtime.NewStub("stub")
	stub.FailSubmit = true
	b := newTestBridge(t, stub, testConfig())

	_, err := b.RunOperation(context.Background(), "task:extract", nil, workflow.Context{})
	require.Error(t, err)
}

func TestBuildSpec(t *testing.T) {
	b := newTestBridge(t, runtime.NewStub("stub"), testConfig())

	wctx := workflow.Context{
		RunID:        "run-9",
		WorkflowName: "daily-load",
		Execution:    workflow.ExecutionContext{ExecutionID: "corr-1"},
	}
	spec, err := b.BuildSpec("task:load-users", map[string]any{
		"day":        "2025-01-01",
		"batch-size": 500,
		"dry_run":    true,
		"regions":    []any{"eu", "us"},
	}, wctx)
	require.NoError(t, err)

	assert.Equal(t, "spine-task-load-users", spec.Name)
	assert.Equal(t, "spine/ops:latest", spec.Image)
	assert.Equal(t, []string{"spine-cli", "run", "task:load-users"}, spec.Command)

	assert.Equal(t, "2025-01-01", spec.Env["SPINE_PARAM_DAY"])
	assert.Equal(t, "500", spec.Env["SPINE_PARAM_BATCH_SIZE"])
	assert.Equal(t, "true", spec.Env["SPINE_PARAM_DRY_RUN"])
	assert.JSONEq(t, `["eu","us"]`, spec.Env["SPINE_PARAM_REGIONS"])
	assert.Equal(t, "run-9", spec.Env["SPINE_PARENT_RUN_ID"])
	assert.Equal(t, "corr-1", spec.Env["SPINE_CORRELATION_ID"])

	assert.Equal(t, "task:load-users", spec.Labels["spine.operation"])
	assert.Equal(t, "daily-load", spec.Labels["spine.workflow"])
	assert.Equal(t, "run-9", spec.Labels["spine.run_id"])
	assert.Equal(t, "corr-1", spec.Labels["spine.correlation_id"],
		"correlation id is queryable from the container runtime, not just the env")
	assert.Equal(t, 3600, spec.TimeoutSeconds)

	bare, err := b.BuildSpec("task:load-users", nil, workflow.Context{RunID: "run-9", WorkflowName: "daily-load"})
	require.NoError(t, err)
	_, ok := bare.Labels["spine.correlation_id"]
	assert.False(t, ok, "no correlation label without an originating execution")
}

func TestBuildSpec_ImageResolver(t *testing.T) {
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	router := runtime.NewRouter()
	router.Register(runtime.NewStub("stub"))
	eng := engine.New(router, ledger.New(s, nil), nil, nil)

	images := func(operation string) string {
		if operation == "task:special" {
			return "spine/special:v2"
		}
		return ""
	}
	b := New(eng, testConfig(), images, nil)

	spec, err := b.BuildSpec("task:special", nil, workflow.Context{})
	require.NoError(t, err)
	assert.Equal(t, "spine/special:v2", spec.Image)

	spec, err = b.BuildSpec("task:plain", nil, workflow.Context{})
	require.NoError(t, err)
	assert.Equal(t, "spine/ops:latest", spec.Image, "unmapped operations fall back to the default")
}

func TestBuildSpec_NoImage(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultImage = ""
	b := newTestBridge(t, runtime.NewStub("stub"), cfg)

	_, err := b.BuildSpec("task:orphan", nil, workflow.Context{})
	require.Error(t, err)
}

func TestFold_TerminalStates(t *testing.T) {
	b := newTestBridge(t, runtime.NewStub("stub"), testConfig())
	submitted := &engine.SubmitResult{ExecutionID: "exec-1"}

	exitCode := 3
	failed := b.fold("task:x", submitted, &runtime.JobStatus{
		State: runtime.StateFailed, Message: "boom", ExitCode: &exitCode,
	})
	assert.False(t, failed.Success)
	assert.Equal(t, workflow.ErrInternal, failed.Category)
	assert.Equal(t, "boom", failed.Error)
	assert.Equal(t, 3, failed.Output["exit_code"])

	cancelled := b.fold("task:x", submitted, &runtime.JobStatus{State: runtime.StateCancelled})
	assert.Equal(t, workflow.ErrTransient, cancelled.Category)

	noMessage := b.fold("task:x", submitted, &runtime.JobStatus{State: runtime.StateFailed})
	assert.Contains(t, noMessage.Error, "task:x")
}
