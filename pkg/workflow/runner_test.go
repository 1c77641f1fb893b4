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

package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

// fakeBackend records operations and lets tests script failures.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int // operation -> remaining failures
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: make(map[string]int)}
}

func (f *fakeBackend) RunOperation(ctx context.Context, operation string, params map[string]any, wctx Context) (*StepResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, operation)
	remaining := f.fail[operation]
	if remaining > 0 {
		f.fail[operation] = remaining - 1
	}
	f.mu.Unlock()

	if remaining > 0 {
		return Fail(ErrTransient, "scripted failure"), nil
	}
	return OK(map[string]any{"operation": operation, "day": params["day"]}), nil
}

func (f *fakeBackend) callCount(operation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == operation {
			n++
		}
	}
	return n
}

func newTestRunner(backend Runnable) *Runner {
	r := NewRunner(backend, nil, nil)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestExecute_SequentialHappyPath(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRunner(backend)

	wf := &Workflow{
		Name:     "daily-load",
		Defaults: map[string]any{"day": "2025-01-01"},
		Steps: []Step{
			pipelineStep("extract", "op:extract"),
			pipelineStep("publish", "op:publish", "extract"),
		},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, []string{"op:extract", "op:publish"}, backend.calls)
	assert.Equal(t, StepCompleted, result.Steps["extract"].State)
	assert.Equal(t, "2025-01-01", result.Context.Outputs["extract"]["day"])
}

func TestExecute_StopPolicySkipsRemaining(t *testing.T) {
	backend := newFakeBackend()
	backend.fail["op:validate"] = 100
	r := newTestRunner(backend)

	wf := &Workflow{
		Name:   "stop",
		Policy: ExecutionPolicy{OnFailure: OnErrorStop},
		Steps: []Step{
			pipelineStep("extract", "op:extract"),
			pipelineStep("validate", "op:validate", "extract"),
			pipelineStep("publish", "op:publish", "validate"),
		},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, result.Status)
	assert.Equal(t, StepFailed, result.Steps["validate"].State)
	assert.Equal(t, StepSkipped, result.Steps["publish"].State)
	assert.Zero(t, backend.callCount("op:publish"))
}

func TestExecute_ContinuePolicyYieldsPartial(t *testing.T) {
	backend := newFakeBackend()
	backend.fail["op:b"] = 100
	r := newTestRunner(backend)

	wf := &Workflow{
		Name:   "partial",
		Policy: ExecutionPolicy{OnFailure: OnErrorContinue},
		Steps: []Step{
			pipelineStep("a", "op:a"),
			pipelineStep("b", "op:b"),
			pipelineStep("c", "op:c", "a"),
			pipelineStep("d", "op:d", "b"),
		},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunPartial, result.Status)
	assert.Equal(t, StepCompleted, result.Steps["a"].State)
	assert.Equal(t, StepFailed, result.Steps["b"].State)
	assert.Equal(t, StepCompleted, result.Steps["c"].State, "independent subgraphs continue")
	assert.Equal(t, StepSkipped, result.Steps["d"].State, "dependants of the failure skip")
}

func TestExecute_AllFailedIsFailed(t *testing.T) {
	backend := newFakeBackend()
	backend.fail["op:a"] = 100
	r := newTestRunner(backend)

	wf := &Workflow{
		Name:   "allfail",
		Policy: ExecutionPolicy{OnFailure: OnErrorContinue},
		Steps:  []Step{pipelineStep("a", "op:a")},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, result.Status)
}

func TestExecute_RetryUntilSuccess(t *testing.T) {
	backend := newFakeBackend()
	backend.fail["op:flaky"] = 2
	r := newTestRunner(backend)

	wf := &Workflow{
		Name: "retry",
		Steps: []Step{{
			Name: "flaky", Type: StepPipeline, Operation: "op:flaky",
			Retry: &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2},
		}},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, 3, result.Steps["flaky"].Attempts)
	assert.Equal(t, 3, backend.callCount("op:flaky"))
}

func TestExecute_RetryExhausted(t *testing.T) {
	backend := newFakeBackend()
	backend.fail["op:flaky"] = 100
	r := newTestRunner(backend)

	wf := &Workflow{
		Name: "retry",
		Steps: []Step{{
			Name: "flaky", Type: StepPipeline, Operation: "op:flaky",
			Retry: &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond},
		}},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, result.Status)
	assert.Equal(t, 2, result.Steps["flaky"].Attempts)
}

func TestExecute_RetrySkipsDeterministicFailures(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRunner(backend)

	var calls int
	r.RegisterLambda("reject", func(ctx context.Context, config map[string]any, wctx Context) (any, error) {
		calls++
		return Fail(ErrDataQuality, "null ratio above threshold"), nil
	})

	wf := &Workflow{
		Name: "quality-gate",
		Steps: []Step{{
			Name: "validate", Type: StepLambda, Handler: "reject",
			Retry: &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond},
		}},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, result.Status)
	assert.Equal(t, 1, result.Steps["validate"].Attempts, "data-quality failures are not replayed")
	assert.Equal(t, 1, calls)
	assert.Equal(t, ErrDataQuality, result.Steps["validate"].Result.Category)
}

func TestExecute_ChoiceSkipsUnchosenBranch(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRunner(backend)

	wf := &Workflow{
		Name: "branchy",
		Steps: []Step{
			{
				Name: "decide", Type: StepChoice,
				Condition: `params.mode == "full"`,
				Then:      "full-load", Else: "incremental",
			},
			pipelineStep("full-load", "op:full", "decide"),
			pipelineStep("incremental", "op:incr", "decide"),
		},
	}

	result, err := r.Execute(context.Background(), wf, map[string]any{"mode": "full"}, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, StepCompleted, result.Steps["full-load"].State)
	assert.Equal(t, StepSkipped, result.Steps["incremental"].State)
	assert.Zero(t, backend.callCount("op:incr"))

	result, err = r.Execute(context.Background(), wf, map[string]any{"mode": "delta"}, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, StepSkipped, result.Steps["full-load"].State)
	assert.Equal(t, StepCompleted, result.Steps["incremental"].State)
}

func TestExecute_LambdaStep(t *testing.T) {
	r := newTestRunner(newFakeBackend())
	r.RegisterLambda("double", func(ctx context.Context, config map[string]any, wctx Context) (any, error) {
		n := config["n"].(int)
		return map[string]any{"doubled": n * 2}, nil
	})

	wf := &Workflow{
		Name: "lambda",
		Steps: []Step{{
			Name: "calc", Type: StepLambda, Handler: "double",
			Config: map[string]any{"n": 21},
		}},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, 42, result.Context.Outputs["calc"]["doubled"])
}

func TestExecute_LambdaMissingHandler(t *testing.T) {
	r := newTestRunner(newFakeBackend())

	wf := &Workflow{
		Name:  "lambda",
		Steps: []Step{{Name: "calc", Type: StepLambda, Handler: "ghost"}},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, result.Status)
	assert.Equal(t, ErrConfiguration, result.Steps["calc"].Result.Category)
}

func TestExecute_WaitStep(t *testing.T) {
	r := newTestRunner(newFakeBackend())
	var slept time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	wf := &Workflow{
		Name:  "pausing",
		Steps: []Step{{Name: "pause", Type: StepWait, WaitSeconds: 3}},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, 3*time.Second, slept)
}

func TestExecute_MapFansOut(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRunner(backend)

	wf := &Workflow{
		Name: "fanout",
		Steps: []Step{{
			Name: "per-region", Type: StepMap,
			ItemsPath:      ".params.regions",
			MaxConcurrency: 2,
			Iterator:       &Step{Name: "load", Type: StepPipeline, Operation: "op:load"},
		}},
	}

	result, err := r.Execute(context.Background(), wf,
		map[string]any{"regions": []any{"eu", "us", "apac"}}, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, 3, backend.callCount("op:load"))
	assert.Equal(t, 3, result.Context.Outputs["per-region"]["count"])
}

func TestExecute_MapBadItemsPath(t *testing.T) {
	r := newTestRunner(newFakeBackend())

	wf := &Workflow{
		Name: "fanout",
		Steps: []Step{{
			Name: "per-region", Type: StepMap,
			ItemsPath: ".params.regions",
			Iterator:  &Step{Name: "load", Type: StepPipeline, Operation: "op:load"},
		}},
	}

	result, err := r.Execute(context.Background(), wf,
		map[string]any{"regions": "not-a-list"}, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, result.Status)
	assert.Equal(t, ErrConfiguration, result.Steps["per-region"].Result.Category)
}

func TestExecute_ParallelRespectsDependencies(t *testing.T) {
	var active, peak atomic.Int64
	backend := RunnableFunc(func(ctx context.Context, operation string, params map[string]any, wctx Context) (*StepResult, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return OK(map[string]any{"operation": operation}), nil
	})
	r := newTestRunner(backend)

	wf := &Workflow{
		Name:   "wide",
		Policy: ExecutionPolicy{Mode: ModeParallel, MaxConcurrency: 2},
		Steps: []Step{
			pipelineStep("a", "op:a"),
			pipelineStep("b", "op:b"),
			pipelineStep("c", "op:c"),
			pipelineStep("join", "op:join", "a", "b", "c"),
		},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, result.Status)
	assert.LessOrEqual(t, peak.Load(), int64(2), "fan-out bounded by max_concurrency")
	for _, name := range []string{"a", "b", "c", "join"} {
		assert.Equal(t, StepCompleted, result.Steps[name].State)
	}
}

func TestExecute_ParallelPartialFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.fail["op:b"] = 100
	r := newTestRunner(backend)

	wf := &Workflow{
		Name:   "parallel-partial",
		Policy: ExecutionPolicy{Mode: ModeParallel, MaxConcurrency: 4, OnFailure: OnErrorContinue},
		Steps: []Step{
			pipelineStep("a", "op:a"),
			pipelineStep("b", "op:b"),
			pipelineStep("c", "op:c", "a"),
			pipelineStep("d", "op:d", "b"),
		},
	}

	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, RunPartial, result.Status)
	assert.Equal(t, StepCompleted, result.Steps["c"].State)
	assert.Equal(t, StepSkipped, result.Steps["d"].State)
}

func TestExecute_PersistsRunsStepsAndEvents(t *testing.T) {
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	records := NewRunStore(s, nil)

	backend := newFakeBackend()
	backend.fail["op:b"] = 100
	r := NewRunner(backend, records, nil)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	wf := &Workflow{
		Name:   "persisted",
		Policy: ExecutionPolicy{OnFailure: OnErrorContinue},
		Steps: []Step{
			pipelineStep("a", "op:a"),
			pipelineStep("b", "op:b"),
		},
	}

	ctx := context.Background()
	result, err := r.Execute(ctx, wf, map[string]any{"day": "2025-01-01"}, ExecutionContext{})
	require.NoError(t, err)

	run, err := records.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, RunPartial, run.Status)
	assert.Equal(t, "2025-01-01", run.Params["day"])
	assert.NotNil(t, run.CompletedAt)

	steps, err := records.GetSteps(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, StepCompleted, steps[0].Status)
	assert.Equal(t, StepFailed, steps[1].Status)
	assert.Equal(t, "op:a", steps[0].Output["operation"])

	runs, err := records.ListRuns(ctx, "persisted", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestExecute_PublishesEvents(t *testing.T) {
	r := newTestRunner(newFakeBackend())
	events := r.Subscribe(32)

	wf := &Workflow{Name: "observed", Steps: []Step{pipelineStep("a", "op:a")}}
	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)

	var types []string
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, result.RunID, ev.RunID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"run_started", "step_completed", "run_completed"}, types)
}

func TestContext_Immutable(t *testing.T) {
	base := Context{
		Params:  map[string]any{"a": 1},
		Outputs: map[string]map[string]any{},
	}

	next := base.WithParams(map[string]any{"b": 2})
	assert.NotContains(t, base.Params, "b")
	assert.Equal(t, 2, next.Params["b"])

	withOut := next.WithOutput("step", map[string]any{"x": 1})
	assert.Empty(t, next.Outputs)
	assert.Equal(t, 1, withOut.Outputs["step"]["x"])

	withMeta := base.WithMetadata(map[string]any{"dry_run": true})
	assert.True(t, withMeta.DryRun())
	assert.False(t, base.DryRun())
}

func TestFromValue_Coercions(t *testing.T) {
	direct := &StepResult{Success: true}
	assert.Same(t, direct, FromValue(direct))

	assert.True(t, FromValue(nil).Success)

	fromMap := FromValue(map[string]any{"k": "v"})
	assert.True(t, fromMap.Success)
	assert.Equal(t, "v", fromMap.Output["k"])

	assert.True(t, FromValue(true).Success)
	assert.False(t, FromValue(false).Success)

	wrapped := FromValue(42)
	assert.True(t, wrapped.Success)
	assert.Equal(t, 42, wrapped.Output[ValueKey])
}

func TestErrorCategoryClassification(t *testing.T) {
	// The runnable error path maps to the dependency category.
	backend := RunnableFunc(func(ctx context.Context, operation string, params map[string]any, wctx Context) (*StepResult, error) {
		return nil, errors.New(errors.CategoryNetwork, "backend unreachable")
	})
	r := newTestRunner(backend)

	wf := &Workflow{Name: "erroring", Steps: []Step{pipelineStep("a", "op:a")}}
	result, err := r.Execute(context.Background(), wf, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, ErrDependency, result.Steps["a"].Result.Category)
}
