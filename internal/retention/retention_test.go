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

package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinedata/spine/internal/dlq"
	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/store"
)

func TestPurgeAll(t *testing.T) {
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := ident.NewManualClock(start)
	led := ledger.New(s, clock)
	queue := dlq.New(s, clock)
	ctx := context.Background()

	// Old terminal execution, old live execution, old resolved and old
	// unresolved dead letters.
	oldDone, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:a", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)
	require.NoError(t, led.UpdateStatus(ctx, oldDone.ID, ledger.StatusCompleted, nil, ""))

	oldLive, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:b", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)

	resolved, err := queue.Add(ctx, oldDone.ID, "task:a", nil, "boom", 3)
	require.NoError(t, err)
	require.NoError(t, queue.Resolve(ctx, resolved.ID, "oncall", "done"))
	_, err = queue.Add(ctx, oldLive.ID, "task:b", nil, "boom", 3)
	require.NoError(t, err)

	// Sixty days later a fresh terminal execution appears.
	clock.Advance(60 * 24 * time.Hour)
	fresh, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:c", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)
	require.NoError(t, led.UpdateStatus(ctx, fresh.ID, ledger.StatusCompleted, nil, ""))

	p := New(s, clock, nil)
	report := p.PurgeAll(ctx, Config{ExecutionDays: 30, DeadLetterDays: 30})

	require.True(t, report.OK())
	assert.Equal(t, int64(2), report.TotalDeleted)
	require.Len(t, report.Tables, 2)
	assert.Equal(t, "executions", report.Tables[0].Table)
	assert.Equal(t, int64(1), report.Tables[0].Deleted)
	assert.Equal(t, "dead_letters", report.Tables[1].Table)
	assert.Equal(t, int64(1), report.Tables[1].Deleted)

	// The old live execution and the fresh terminal one both survive.
	gone, err := led.GetExecution(ctx, oldDone.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := led.GetExecution(ctx, oldLive.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept, "non-terminal rows never purge")
	stillFresh, err := led.GetExecution(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, stillFresh)

	// Events of the purged execution cascade away.
	events, err := led.GetEvents(ctx, oldDone.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	// The unresolved dead letter survives.
	letters, err := queue.ListUnresolved(ctx, dlq.Filter{})
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestPurgeAll_ZeroDaysSkipsTable(t *testing.T) {
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := New(s, nil, nil)
	report := p.PurgeAll(context.Background(), Config{})
	assert.True(t, report.OK())
	assert.Empty(t, report.Tables)
}

func TestPurgeAll_ScheduleAndWorkflowRuns(t *testing.T) {
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := ident.NewManualClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	old := store.FormatTime(clock.Now())
	_, err = s.DB().ExecContext(ctx, s.Rebind(`
		INSERT INTO schedule_runs (id, schedule_id, schedule_name, scheduled_at, status)
		VALUES (?, ?, ?, ?, ?)`), "run-old", "sched-1", "nightly", old, "triggered")
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, s.Rebind(`
		INSERT INTO workflow_runs (id, workflow, status, trigger_source, created_at)
		VALUES (?, ?, ?, ?, ?)`), "wf-old", "daily-load", "completed", "api", old)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, s.Rebind(`
		INSERT INTO workflow_runs (id, workflow, status, trigger_source, created_at)
		VALUES (?, ?, ?, ?, ?)`), "wf-live", "daily-load", "running", "api", old)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, s.Rebind(`
		INSERT INTO workflow_events (id, run_id, event_type, timestamp)
		VALUES (?, ?, ?, ?)`), "ev-old", "wf-old", "run_started", old)
	require.NoError(t, err)

	clock.Advance(100 * 24 * time.Hour)
	p := New(s, clock, nil)
	report := p.PurgeAll(ctx, Config{ScheduleRunDays: 90, WorkflowRunDays: 30})
	require.True(t, report.OK())
	assert.Equal(t, int64(2), report.TotalDeleted)

	var workflowRuns int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_runs`).Scan(&workflowRuns))
	assert.Equal(t, 1, workflowRuns, "running workflow survives")
	var events int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_events`).Scan(&events))
	assert.Zero(t, events)
}
