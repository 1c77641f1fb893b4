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
	"database/sql"
	"encoding/json"
	"time"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

// RunRecord is a persisted workflow run row.
type RunRecord struct {
	ID          string         `json:"id"`
	Workflow    string         `json:"workflow"`
	Domain      string         `json:"domain,omitempty"`
	Status      RunStatus      `json:"status"`
	Trigger     string         `json:"trigger_source"`
	Params      map[string]any `json:"params,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// StepRecord is a persisted step outcome row.
type StepRecord struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	StepName    string         `json:"step_name"`
	StepType    StepType       `json:"step_type"`
	Seq         int            `json:"seq"`
	Status      StepState      `json:"status"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// RunStore persists workflow runs, their step outcomes and their events.
type RunStore struct {
	store *store.Store
	clock ident.Clock
}

// NewRunStore creates a run store.
func NewRunStore(s *store.Store, clock ident.Clock) *RunStore {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &RunStore{store: s, clock: clock}
}

// CreateRun inserts the run row in running state.
func (rs *RunStore) CreateRun(ctx context.Context, run *RunResult, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, errors.CategoryParse, "marshaling run params")
	}
	now := rs.clock.Now()
	query := rs.store.Rebind(`
		INSERT INTO workflow_runs (id, workflow, status, trigger_source, params, created_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = rs.store.DB().ExecContext(ctx, query,
		run.RunID, run.Workflow, string(RunRunning), "api",
		string(paramsJSON), store.FormatTime(now), store.FormatTime(run.StartedAt))
	if err != nil {
		return errors.Database(err, "creating workflow run")
	}
	return nil
}

// FinishRun stamps the run's terminal status.
func (rs *RunStore) FinishRun(ctx context.Context, run *RunResult) error {
	query := rs.store.Rebind(`
		UPDATE workflow_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`)
	_, err := rs.store.DB().ExecContext(ctx, query,
		string(run.Status), store.NullString(run.Error),
		store.FormatTime(run.CompletedAt), run.RunID)
	if err != nil {
		return errors.Database(err, "finishing workflow run")
	}
	return nil
}

// RecordStep upserts the step's outcome and appends a step event.
func (rs *RunStore) RecordStep(ctx context.Context, runID string, planned *PlannedStep, outcome *StepOutcome) error {
	var outputJSON, errMsg any
	if outcome.Result != nil {
		if outcome.Result.Output != nil {
			data, err := json.Marshal(outcome.Result.Output)
			if err != nil {
				return errors.Wrap(err, errors.CategoryParse, "marshaling step output")
			}
			outputJSON = string(data)
		}
		if outcome.Result.Error != "" {
			errMsg = outcome.Result.Error
		}
	}

	query := rs.store.Rebind(`
		INSERT INTO workflow_steps (id, run_id, step_name, step_type, seq, status, attempts,
			started_at, completed_at, error, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_name) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			output = excluded.output`)
	_, err := rs.store.DB().ExecContext(ctx, query,
		ident.NewID(), runID, planned.Name, string(planned.Step.effectiveType()), planned.Order,
		string(outcome.State), outcome.Attempts,
		nullTimeArg(outcome.StartedAt), nullTimeArg(outcome.CompletedAt),
		errMsg, outputJSON)
	if err != nil {
		return errors.Database(err, "recording step outcome")
	}

	return rs.AppendEvent(ctx, runID, planned.Name, "step_"+string(outcome.State), nil)
}

// AppendEvent appends a run-level event.
func (rs *RunStore) AppendEvent(ctx context.Context, runID, stepName, eventType string, data map[string]any) error {
	var dataJSON any
	if len(data) > 0 {
		encoded, err := json.Marshal(data)
		if err != nil {
			return errors.Wrap(err, errors.CategoryParse, "marshaling event data")
		}
		dataJSON = string(encoded)
	}
	query := rs.store.Rebind(`
		INSERT INTO workflow_events (id, run_id, step_name, event_type, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := rs.store.DB().ExecContext(ctx, query,
		ident.NewID(), runID, store.NullString(stepName), eventType,
		store.FormatTime(rs.clock.Now()), dataJSON)
	if err != nil {
		return errors.Database(err, "appending run event")
	}
	return nil
}

// GetRun returns the persisted run, or nil when absent.
func (rs *RunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := rs.store.Rebind(`
		SELECT id, workflow, domain, status, trigger_source, params, error,
			created_at, started_at, completed_at
		FROM workflow_runs WHERE id = ?`)
	row := rs.store.DB().QueryRowContext(ctx, query, runID)

	var (
		rec                    RunRecord
		domain, params, errMsg sql.NullString
		createdAt              string
		startedAt, completedAt sql.NullString
		status, trigger        string
	)
	err := row.Scan(&rec.ID, &rec.Workflow, &domain, &status, &trigger,
		&params, &errMsg, &createdAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database(err, "getting workflow run")
	}

	rec.Domain = store.StringOrEmpty(domain)
	rec.Status = RunStatus(status)
	rec.Trigger = trigger
	rec.Error = store.StringOrEmpty(errMsg)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &rec.Params); err != nil {
			return nil, errors.Wrap(err, errors.CategoryParse, "decoding run params")
		}
	}
	rec.CreatedAt, err = store.ParseTime(createdAt)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryParse, "parsing created_at")
	}
	rec.StartedAt = store.ParseNullTime(startedAt)
	rec.CompletedAt = store.ParseNullTime(completedAt)
	return &rec, nil
}

// ListRuns returns runs for a workflow, newest first.
func (rs *RunStore) ListRuns(ctx context.Context, workflow string, limit int) ([]*RunRecord, error) {
	query := `
		SELECT id FROM workflow_runs WHERE 1=1`
	args := []any{}
	if workflow != "" {
		query += " AND workflow = ?"
		args = append(args, workflow)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := rs.store.DB().QueryContext(ctx, rs.store.Rebind(query), args...)
	if err != nil {
		return nil, errors.Database(err, "listing workflow runs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Database(err, "scanning run id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database(err, "listing workflow runs")
	}

	runs := make([]*RunRecord, 0, len(ids))
	for _, id := range ids {
		run, err := rs.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// GetSteps returns the run's step records in plan order.
func (rs *RunStore) GetSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	query := rs.store.Rebind(`
		SELECT id, run_id, step_name, step_type, seq, status, attempts,
			started_at, completed_at, error, output
		FROM workflow_steps WHERE run_id = ? ORDER BY seq`)
	rows, err := rs.store.DB().QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.Database(err, "listing run steps")
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		var (
			rec                    StepRecord
			stepType, status       string
			startedAt, completedAt sql.NullString
			errMsg, output         sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.RunID, &rec.StepName, &stepType, &rec.Seq,
			&status, &rec.Attempts, &startedAt, &completedAt, &errMsg, &output)
		if err != nil {
			return nil, errors.Database(err, "scanning run step")
		}
		rec.StepType = StepType(stepType)
		rec.Status = StepState(status)
		rec.StartedAt = store.ParseNullTime(startedAt)
		rec.CompletedAt = store.ParseNullTime(completedAt)
		rec.Error = store.StringOrEmpty(errMsg)
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &rec.Output); err != nil {
				return nil, errors.Wrap(err, errors.CategoryParse, "decoding step output")
			}
		}
		steps = append(steps, &rec)
	}
	return steps, rows.Err()
}

func nullTimeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return store.FormatTime(t)
}
