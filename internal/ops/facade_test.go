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

package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinedata/spine/internal/dlq"
	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/manifest"
	"github.com/spinedata/spine/internal/sched"
	"github.com/spinedata/spine/internal/store"
)

type fixture struct {
	facade    *Facade
	ledger    *ledger.Ledger
	queue     *dlq.Queue
	schedules *sched.Store
	manifest  *manifest.Manifest
	triggered []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fx := &fixture{
		ledger:    ledger.New(s, nil),
		queue:     dlq.New(s, nil),
		schedules: sched.NewStore(s, nil),
		manifest:  manifest.New(s, nil),
	}
	submitter := sched.SubmitterFunc(func(ctx context.Context, schedule *sched.Schedule, at time.Time) (string, error) {
		fx.triggered = append(fx.triggered, schedule.Name)
		return "exec-manual", nil
	})
	fx.facade = New(fx.ledger, fx.queue, fx.schedules, fx.manifest, submitter, nil)
	return fx
}

func TestSubmitExecution(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result := fx.facade.SubmitExecution(ctx, Context{}, SubmitExecutionRequest{
		Operation: "task:extract",
		Params:    map[string]any{"day": "2025-01-01"},
	})
	require.True(t, result.Success, "error: %v", result.Error)
	assert.NotEmpty(t, result.Data.ID)
	assert.Equal(t, ledger.StatusPending, result.Data.Status)

	missing := fx.facade.SubmitExecution(ctx, Context{}, SubmitExecutionRequest{})
	require.False(t, missing.Success)
	assert.Equal(t, CodeValidationFailed, missing.Error.Code)
}

func TestSubmitExecution_DryRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result := fx.facade.SubmitExecution(ctx, Context{DryRun: true}, SubmitExecutionRequest{
		Operation: "task:extract",
	})
	require.True(t, result.Success)

	listed := fx.facade.ListExecutions(ctx, Context{}, ledger.Filter{})
	require.True(t, listed.Success)
	assert.Zero(t, listed.Data.Total, "dry run writes nothing")
}

func TestGetExecution_NotFound(t *testing.T) {
	fx := newFixture(t)

	result := fx.facade.GetExecution(context.Background(), Context{}, "ghost")
	require.False(t, result.Success)
	assert.Equal(t, CodeNotFound, result.Error.Code)
}

func TestCancelExecution(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	submitted := fx.facade.SubmitExecution(ctx, Context{}, SubmitExecutionRequest{Operation: "task:x"})
	require.True(t, submitted.Success)

	cancelled := fx.facade.CancelExecution(ctx, Context{}, submitted.Data.ID)
	require.True(t, cancelled.Success, "error: %v", cancelled.Error)
	assert.Equal(t, ledger.StatusCancelled, cancelled.Data.Status)

	again := fx.facade.CancelExecution(ctx, Context{}, submitted.Data.ID)
	require.False(t, again.Success)
	assert.Equal(t, CodeConflict, again.Error.Code)
}

func TestRetryExecution(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	submitted := fx.facade.SubmitExecution(ctx, Context{}, SubmitExecutionRequest{
		Operation: "task:x", Params: map[string]any{"k": "v"},
	})
	require.True(t, submitted.Success)

	pendingRetry := fx.facade.RetryExecution(ctx, Context{}, submitted.Data.ID)
	require.False(t, pendingRetry.Success, "non-terminal executions do not retry")
	assert.Equal(t, CodeConflict, pendingRetry.Error.Code)

	require.NoError(t, fx.ledger.UpdateStatus(ctx, submitted.Data.ID, ledger.StatusFailed, nil, "boom"))

	retried := fx.facade.RetryExecution(ctx, Context{Caller: "oncall"}, submitted.Data.ID)
	require.True(t, retried.Success, "error: %v", retried.Error)
	assert.Equal(t, submitted.Data.ID, retried.Data.ParentID)
	assert.Equal(t, ledger.TriggerRetry, retried.Data.Trigger)
	assert.Equal(t, 1, retried.Data.RetryCount)
	assert.Equal(t, "v", retried.Data.Params["k"])
}

func TestGetExecutionEvents(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	submitted := fx.facade.SubmitExecution(ctx, Context{}, SubmitExecutionRequest{Operation: "task:x"})
	require.True(t, submitted.Success)

	events := fx.facade.GetExecutionEvents(ctx, Context{}, submitted.Data.ID)
	require.True(t, events.Success)
	require.Len(t, events.Data, 1)
	assert.Equal(t, ledger.EventCreated, events.Data[0].Type)
}

func TestDeadLetterReplayAndResolve(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	letter, err := fx.queue.Add(ctx, "exec-dead", "task:x", map[string]any{"k": "v"}, "exhausted", 2)
	require.NoError(t, err)

	listed := fx.facade.ListDeadLetters(ctx, Context{}, dlq.Filter{}, false)
	require.True(t, listed.Success)
	assert.Equal(t, 1, listed.Data.Total)

	replayed := fx.facade.ReplayDeadLetter(ctx, Context{Caller: "oncall"}, letter.ID)
	require.True(t, replayed.Success, "error: %v", replayed.Error)
	assert.Equal(t, "exec-dead", replayed.Data.ParentID)
	assert.Equal(t, "v", replayed.Data.Params["k"])

	after, err := fx.queue.Get(ctx, letter.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.RetryCount)

	resolved := fx.facade.ResolveDeadLetter(ctx, Context{Caller: "oncall"}, letter.ID, "fixed upstream")
	require.True(t, resolved.Success, "error: %v", resolved.Error)
	assert.Equal(t, "oncall", resolved.Data.ResolvedBy)
	assert.Equal(t, "fixed upstream", resolved.Data.Note)

	again := fx.facade.ReplayDeadLetter(ctx, Context{}, letter.ID)
	require.False(t, again.Success)
	assert.Equal(t, CodeConflict, again.Error.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	created := fx.facade.CreateSchedule(ctx, Context{}, &sched.Schedule{
		Name: "nightly", TargetType: sched.TargetWorkflow, TargetName: "daily-load",
		Kind: sched.KindCron, CronExpression: "@daily", Enabled: true,
	})
	require.True(t, created.Success, "error: %v", created.Error)

	duplicate := fx.facade.CreateSchedule(ctx, Context{}, &sched.Schedule{
		Name: "nightly", TargetType: sched.TargetWorkflow, TargetName: "daily-load",
		Kind: sched.KindCron, CronExpression: "@daily",
	})
	require.False(t, duplicate.Success)
	assert.Equal(t, CodeConflict, duplicate.Error.Code)

	paused := fx.facade.PauseSchedule(ctx, Context{}, created.Data.ID)
	require.True(t, paused.Success)
	after, err := fx.schedules.Get(ctx, created.Data.ID)
	require.NoError(t, err)
	assert.False(t, after.Enabled)

	resumed := fx.facade.ResumeSchedule(ctx, Context{}, created.Data.ID)
	require.True(t, resumed.Success)

	fired := fx.facade.TriggerSchedule(ctx, Context{}, created.Data.ID)
	require.True(t, fired.Success, "error: %v", fired.Error)
	assert.Equal(t, "exec-manual", fired.Data)
	assert.Equal(t, []string{"nightly"}, fx.triggered)

	runs, err := fx.schedules.ListRuns(ctx, created.Data.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "manual", runs[0].Reason)

	deleted := fx.facade.DeleteSchedule(ctx, Context{}, created.Data.ID)
	require.True(t, deleted.Success)

	missing := fx.facade.UpdateSchedule(ctx, Context{}, created.Data)
	require.False(t, missing.Success)
}

func TestManifestOperations(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.manifest.RegisterStages("orders", []string{"raw", "cleaned", "published"})
	partition := map[string]any{"day": "2025-01-01"}

	require.NoError(t, fx.manifest.Advance(ctx, "orders", partition, "raw", 100, nil))
	require.NoError(t, fx.manifest.Advance(ctx, "orders", partition, "cleaned", 98, nil))

	listed := fx.facade.ListManifest(ctx, Context{}, "orders", partition)
	require.True(t, listed.Success)
	assert.Len(t, listed.Data, 2)

	reset := fx.facade.ResetManifest(ctx, Context{}, "orders", partition, "raw")
	require.True(t, reset.Success, "error: %v", reset.Error)

	after := fx.facade.ListManifest(ctx, Context{}, "orders", partition)
	require.True(t, after.Success)
	assert.Len(t, after.Data, 1)
}

func TestRun_PanicBecomesInternal(t *testing.T) {
	result := run("exploding", func() (string, error) {
		panic("kaboom")
	})
	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, CodeInternal, result.Error.Code)
	assert.Contains(t, result.Error.Message, "kaboom")
}

func TestClassify_Codes(t *testing.T) {
	assert.Equal(t, CodeValidationFailed, classify(invalid("bad")).Code)
	assert.Equal(t, CodeNotFound, classify(notFound("thing", "id")).Code)
	assert.Equal(t, CodeConflict, classify(conflict("busy")).Code)
}
