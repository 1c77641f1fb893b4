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

// Package retention ages out terminal history: executions and their
// events, resolved dead letters, schedule runs and workflow runs. One
// table failing does not stop the others.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/log"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

// Config sets the retention window per table, in days. Zero disables the
// purge for that table.
type Config struct {
	ExecutionDays   int `yaml:"execution_days" json:"execution_days"`
	DeadLetterDays  int `yaml:"dead_letter_days" json:"dead_letter_days"`
	ScheduleRunDays int `yaml:"schedule_run_days" json:"schedule_run_days"`
	WorkflowRunDays int `yaml:"workflow_run_days" json:"workflow_run_days"`
}

// DefaultConfig keeps a month of executions and workflow runs and a
// quarter of operator-facing history.
func DefaultConfig() Config {
	return Config{
		ExecutionDays:   30,
		DeadLetterDays:  90,
		ScheduleRunDays: 90,
		WorkflowRunDays: 30,
	}
}

// TableResult reports one table's purge.
type TableResult struct {
	Table   string    `json:"table"`
	Deleted int64     `json:"deleted_count"`
	Cutoff  time.Time `json:"cutoff"`
	Error   string    `json:"error,omitempty"`
}

// Report aggregates a PurgeAll pass.
type Report struct {
	Tables       []TableResult `json:"tables"`
	TotalDeleted int64         `json:"total_deleted"`
}

// OK reports whether every table purged cleanly.
func (r *Report) OK() bool {
	for _, t := range r.Tables {
		if t.Error != "" {
			return false
		}
	}
	return true
}

// Purger runs retention passes against the store.
type Purger struct {
	store  *store.Store
	clock  ident.Clock
	logger *slog.Logger
}

// New creates a purger.
func New(s *store.Store, clock ident.Clock, logger *slog.Logger) *Purger {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Purger{store: s, clock: clock, logger: log.WithComponent(logger, "retention")}
}

// PurgeAll runs every configured purge. Per-table failures are recorded
// in the report and do not abort later tables.
func (p *Purger) PurgeAll(ctx context.Context, cfg Config) *Report {
	report := &Report{}
	now := p.clock.Now()

	purges := []struct {
		days int
		run  func(context.Context, time.Time) (int64, error)
		name string
	}{
		{cfg.ExecutionDays, p.purgeExecutions, "executions"},
		{cfg.DeadLetterDays, p.purgeDeadLetters, "dead_letters"},
		{cfg.ScheduleRunDays, p.purgeScheduleRuns, "schedule_runs"},
		{cfg.WorkflowRunDays, p.purgeWorkflowRuns, "workflow_runs"},
	}

	for _, purge := range purges {
		if purge.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -purge.days)
		result := TableResult{Table: purge.name, Cutoff: cutoff}
		deleted, err := purge.run(ctx, cutoff)
		if err != nil {
			result.Error = err.Error()
			log.Error(p.logger, "purging "+purge.name, err)
		} else {
			result.Deleted = deleted
			report.TotalDeleted += deleted
		}
		report.Tables = append(report.Tables, result)
	}

	p.logger.Info("retention pass finished",
		"deleted", report.TotalDeleted, "tables", len(report.Tables), "clean", report.OK())
	return report
}

// purgeExecutions removes terminal executions older than the cutoff. The
// execution_events rows follow through the cascading foreign key. Live
// executions are never touched regardless of age.
func (p *Purger) purgeExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := p.store.Rebind(`
		DELETE FROM executions
		WHERE created_at < ?
		  AND status IN ('completed', 'failed', 'cancelled', 'timed_out')`)
	res, err := p.store.DB().ExecContext(ctx, query, store.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Database(err, "purging executions")
	}
	return res.RowsAffected()
}

// purgeDeadLetters removes resolved dead letters older than the cutoff.
// Unresolved letters stay until someone deals with them.
func (p *Purger) purgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	query := p.store.Rebind(`
		DELETE FROM dead_letters
		WHERE created_at < ? AND resolved_at IS NOT NULL`)
	res, err := p.store.DB().ExecContext(ctx, query, store.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Database(err, "purging dead letters")
	}
	return res.RowsAffected()
}

func (p *Purger) purgeScheduleRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	query := p.store.Rebind(`DELETE FROM schedule_runs WHERE scheduled_at < ?`)
	res, err := p.store.DB().ExecContext(ctx, query, store.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Database(err, "purging schedule runs")
	}
	return res.RowsAffected()
}

// purgeWorkflowRuns removes terminal workflow runs older than the cutoff;
// steps cascade, events are swept explicitly since they carry no foreign
// key.
func (p *Purger) purgeWorkflowRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	events := p.store.Rebind(`
		DELETE FROM workflow_events WHERE run_id IN (
			SELECT id FROM workflow_runs
			WHERE created_at < ? AND status IN ('completed', 'failed', 'partial'))`)
	if _, err := p.store.DB().ExecContext(ctx, events, store.FormatTime(cutoff)); err != nil {
		return 0, errors.Database(err, "purging workflow events")
	}

	query := p.store.Rebind(`
		DELETE FROM workflow_runs
		WHERE created_at < ? AND status IN ('completed', 'failed', 'partial')`)
	res, err := p.store.DB().ExecContext(ctx, query, store.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Database(err, "purging workflow runs")
	}
	return res.RowsAffected()
}
