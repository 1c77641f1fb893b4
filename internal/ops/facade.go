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
	"log/slog"
	"time"

	"github.com/spinedata/spine/internal/dlq"
	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/log"
	"github.com/spinedata/spine/internal/manifest"
	"github.com/spinedata/spine/internal/sched"
)

// Facade groups the operations over the runtime's stores.
type Facade struct {
	ledger    *ledger.Ledger
	queue     *dlq.Queue
	schedules *sched.Store
	manifest  *manifest.Manifest
	submitter sched.Submitter
	logger    *slog.Logger
}

// New creates the facade. submitter is used by TriggerSchedule and may be
// nil when immediate triggering is not needed.
func New(led *ledger.Ledger, queue *dlq.Queue, schedules *sched.Store, man *manifest.Manifest, submitter sched.Submitter, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		ledger:    led,
		queue:     queue,
		schedules: schedules,
		manifest:  man,
		submitter: submitter,
		logger:    log.WithComponent(logger, "ops"),
	}
}

// SubmitExecutionRequest describes a new unit of work.
type SubmitExecutionRequest struct {
	Operation      string         `json:"operation"`
	Params         map[string]any `json:"params,omitempty"`
	Lane           string         `json:"lane,omitempty"`
	LogicalKey     string         `json:"logical_key,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// SubmitExecution records a pending execution for the dispatcher to claim.
// Dry runs validate the request without writing.
func (f *Facade) SubmitExecution(ctx context.Context, octx Context, req SubmitExecutionRequest) Result[*ledger.Execution] {
	return run("submit_execution", func() (*ledger.Execution, error) {
		if req.Operation == "" {
			return nil, invalid("operation is required")
		}
		exec := &ledger.Execution{
			Workflow:       req.Operation,
			Params:         req.Params,
			Lane:           req.Lane,
			LogicalKey:     req.LogicalKey,
			IdempotencyKey: req.IdempotencyKey,
			Trigger:        ledger.TriggerAPI,
		}
		if octx.DryRun {
			exec.Status = ledger.StatusPending
			return exec, nil
		}
		return f.ledger.CreateExecution(ctx, exec)
	})
}

// ListExecutions pages through the ledger with the given filter.
func (f *Facade) ListExecutions(ctx context.Context, octx Context, filter ledger.Filter) Result[Page[*ledger.Execution]] {
	return run("list_executions", func() (Page[*ledger.Execution], error) {
		executions, total, err := f.ledger.ListExecutions(ctx, filter)
		if err != nil {
			return Page[*ledger.Execution]{}, err
		}
		return Page[*ledger.Execution]{
			Items: executions, Total: total,
			Limit: filter.Limit, Offset: filter.Offset,
		}, nil
	})
}

// GetExecution returns one execution by id.
func (f *Facade) GetExecution(ctx context.Context, octx Context, id string) Result[*ledger.Execution] {
	return run("get_execution", func() (*ledger.Execution, error) {
		exec, err := f.ledger.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec == nil {
			return nil, notFound("execution", id)
		}
		return exec, nil
	})
}

// GetExecutionEvents returns an execution's event history in order.
func (f *Facade) GetExecutionEvents(ctx context.Context, octx Context, id string) Result[[]ledger.Event] {
	return run("get_execution_events", func() ([]ledger.Event, error) {
		exec, err := f.ledger.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec == nil {
			return nil, notFound("execution", id)
		}
		return f.ledger.GetEvents(ctx, id)
	})
}

// CancelExecution cancels a not-yet-started execution.
func (f *Facade) CancelExecution(ctx context.Context, octx Context, id string) Result[*ledger.Execution] {
	return run("cancel_execution", func() (*ledger.Execution, error) {
		exec, err := f.ledger.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec == nil {
			return nil, notFound("execution", id)
		}
		if exec.Status.IsTerminal() {
			return nil, conflict("execution %s is already %s", id, exec.Status)
		}
		if octx.DryRun {
			return exec, nil
		}
		cancelled, err := f.ledger.CancelIfNotStarted(ctx, id)
		if err != nil {
			return nil, err
		}
		if !cancelled {
			return nil, conflict("execution %s has already started", id)
		}
		return f.ledger.GetExecution(ctx, id)
	})
}

// RetryExecution clones a terminal failed execution into a fresh pending
// one linked through parent_execution_id.
func (f *Facade) RetryExecution(ctx context.Context, octx Context, id string) Result[*ledger.Execution] {
	return run("retry_execution", func() (*ledger.Execution, error) {
		exec, err := f.ledger.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec == nil {
			return nil, notFound("execution", id)
		}
		if exec.Status != ledger.StatusFailed && exec.Status != ledger.StatusTimedOut {
			return nil, conflict("execution %s is %s, only failed executions retry", id, exec.Status)
		}

		clone := &ledger.Execution{
			Workflow:   exec.Workflow,
			Params:     exec.Params,
			Lane:       exec.Lane,
			ParentID:   exec.ID,
			Trigger:    ledger.TriggerRetry,
			RetryCount: exec.RetryCount + 1,
		}
		if octx.DryRun {
			clone.Status = ledger.StatusPending
			return clone, nil
		}
		created, err := f.ledger.CreateExecution(ctx, clone)
		if err != nil {
			return nil, err
		}
		f.logger.Info("execution retried",
			log.ExecutionIDKey, created.ID, "parent", exec.ID, "caller", octx.Caller)
		return created, nil
	})
}

// ListDeadLetters pages through the dead-letter queue.
func (f *Facade) ListDeadLetters(ctx context.Context, octx Context, filter dlq.Filter, includeResolved bool) Result[Page[*dlq.DeadLetter]] {
	return run("list_dead_letters", func() (Page[*dlq.DeadLetter], error) {
		var (
			letters []*dlq.DeadLetter
			err     error
		)
		if includeResolved {
			letters, err = f.queue.ListAll(ctx, filter)
		} else {
			letters, err = f.queue.ListUnresolved(ctx, filter)
		}
		if err != nil {
			return Page[*dlq.DeadLetter]{}, err
		}
		return Page[*dlq.DeadLetter]{
			Items: letters, Total: len(letters),
			Limit: filter.Limit, Offset: filter.Offset,
		}, nil
	})
}

// ReplayDeadLetter resubmits a replayable dead letter as a new execution.
func (f *Facade) ReplayDeadLetter(ctx context.Context, octx Context, id string) Result[*ledger.Execution] {
	return run("replay_dead_letter", func() (*ledger.Execution, error) {
		letter, err := f.queue.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if letter == nil {
			return nil, notFound("dead letter", id)
		}
		if !letter.CanRetry() {
			return nil, conflict("dead letter %s is not replayable", id)
		}

		clone := &ledger.Execution{
			Workflow: letter.Workflow,
			Params:   letter.Params,
			ParentID: letter.ExecutionID,
			Trigger:  ledger.TriggerRetry,
		}
		if octx.DryRun {
			clone.Status = ledger.StatusPending
			return clone, nil
		}
		created, err := f.ledger.CreateExecution(ctx, clone)
		if err != nil {
			return nil, err
		}
		if err := f.queue.MarkRetryAttempted(ctx, id); err != nil {
			return nil, err
		}
		f.logger.Info("dead letter replayed",
			log.ExecutionIDKey, created.ID, "dead_letter", id, "caller", octx.Caller)
		return created, nil
	})
}

// ResolveDeadLetter closes a dead letter with a note.
func (f *Facade) ResolveDeadLetter(ctx context.Context, octx Context, id, note string) Result[*dlq.DeadLetter] {
	return run("resolve_dead_letter", func() (*dlq.DeadLetter, error) {
		letter, err := f.queue.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if letter == nil {
			return nil, notFound("dead letter", id)
		}
		if letter.ResolvedAt != nil {
			return nil, conflict("dead letter %s is already resolved", id)
		}
		if octx.DryRun {
			return letter, nil
		}
		if err := f.queue.Resolve(ctx, id, octx.Caller, note); err != nil {
			return nil, err
		}
		return f.queue.Get(ctx, id)
	})
}

// ListSchedules returns all schedule definitions.
func (f *Facade) ListSchedules(ctx context.Context, octx Context) Result[[]*sched.Schedule] {
	return run("list_schedules", func() ([]*sched.Schedule, error) {
		return f.schedules.List(ctx)
	})
}

// CreateSchedule validates and stores a new schedule.
func (f *Facade) CreateSchedule(ctx context.Context, octx Context, definition *sched.Schedule) Result[*sched.Schedule] {
	return run("create_schedule", func() (*sched.Schedule, error) {
		if octx.DryRun {
			return definition, definition.Validate()
		}
		existing, err := f.schedules.GetByName(ctx, definition.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, conflict("schedule %q already exists", definition.Name)
		}
		return f.schedules.Create(ctx, definition)
	})
}

// UpdateSchedule rewrites an existing schedule.
func (f *Facade) UpdateSchedule(ctx context.Context, octx Context, definition *sched.Schedule) Result[*sched.Schedule] {
	return run("update_schedule", func() (*sched.Schedule, error) {
		if octx.DryRun {
			return definition, definition.Validate()
		}
		if err := f.schedules.Update(ctx, definition); err != nil {
			return nil, err
		}
		return f.schedules.Get(ctx, definition.ID)
	})
}

// DeleteSchedule removes a schedule.
func (f *Facade) DeleteSchedule(ctx context.Context, octx Context, id string) Result[bool] {
	return run("delete_schedule", func() (bool, error) {
		if octx.DryRun {
			return true, nil
		}
		if err := f.schedules.Delete(ctx, id); err != nil {
			return false, err
		}
		return true, nil
	})
}

// PauseSchedule disables emission without losing the definition.
func (f *Facade) PauseSchedule(ctx context.Context, octx Context, id string) Result[bool] {
	return f.setScheduleEnabled(ctx, octx, "pause_schedule", id, false)
}

// ResumeSchedule re-enables a paused schedule.
func (f *Facade) ResumeSchedule(ctx context.Context, octx Context, id string) Result[bool] {
	return f.setScheduleEnabled(ctx, octx, "resume_schedule", id, true)
}

func (f *Facade) setScheduleEnabled(ctx context.Context, octx Context, name, id string, enabled bool) Result[bool] {
	return run(name, func() (bool, error) {
		if octx.DryRun {
			return true, nil
		}
		if err := f.schedules.SetEnabled(ctx, id, enabled); err != nil {
			return false, err
		}
		return true, nil
	})
}

// TriggerSchedule fires a schedule's target immediately, outside its
// normal cadence. The emission is recorded in the run history.
func (f *Facade) TriggerSchedule(ctx context.Context, octx Context, id string) Result[string] {
	return run("trigger_schedule", func() (string, error) {
		if f.submitter == nil {
			return "", conflict("manual triggering is not wired")
		}
		schedule, err := f.schedules.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if schedule == nil {
			return "", notFound("schedule", id)
		}
		if octx.DryRun {
			return "", nil
		}
		now := time.Now().UTC()
		executionID, err := f.submitter.Trigger(ctx, schedule, now)
		if err != nil {
			return "", err
		}
		if err := f.schedules.RecordRun(ctx, &sched.ScheduleRun{
			ScheduleID:   schedule.ID,
			ScheduleName: schedule.Name,
			ScheduledAt:  now,
			Status:       sched.RunTriggered,
			Reason:       "manual",
			ExecutionID:  executionID,
		}); err != nil {
			return "", err
		}
		return executionID, nil
	})
}

// ListManifest returns a domain's manifest entries.
func (f *Facade) ListManifest(ctx context.Context, octx Context, domain string, partition map[string]any) Result[[]*manifest.Entry] {
	return run("list_manifest", func() ([]*manifest.Entry, error) {
		return f.manifest.List(ctx, domain, partition)
	})
}

// ResetManifest rolls a partition back to the named stage.
func (f *Facade) ResetManifest(ctx context.Context, octx Context, domain string, partition map[string]any, stage string) Result[bool] {
	return run("reset_manifest", func() (bool, error) {
		if octx.DryRun {
			return true, nil
		}
		if err := f.manifest.ResetTo(ctx, domain, partition, stage); err != nil {
			return false, err
		}
		return true, nil
	})
}
