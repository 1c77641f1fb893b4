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

package store

import (
	"context"
	"fmt"
)

// migrate creates the named tables consumed by the runtime. The DDL is
// restricted to TEXT/INTEGER/REAL columns so a single set of statements
// works on both SQLite and PostgreSQL.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			params TEXT,
			lane TEXT,
			trigger_source TEXT NOT NULL,
			logical_key TEXT,
			status TEXT NOT NULL,
			parent_execution_id TEXT,
			runtime TEXT,
			external_ref TEXT,
			spec_hash TEXT,
			claim_token TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			result TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT,
			UNIQUE (logical_key),
			UNIQUE (idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_execution_id)`,
		`CREATE TABLE IF NOT EXISTS execution_events (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_events_execution ON execution_events(execution_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			workflow TEXT NOT NULL,
			params TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			created_at TEXT NOT NULL,
			last_retry_at TEXT,
			resolved_at TEXT,
			resolved_by TEXT,
			note TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_unresolved ON dead_letters(resolved_at)`,
		`CREATE TABLE IF NOT EXISTS concurrency_locks (
			lock_key TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS manifest (
			domain TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			stage_rank INTEGER NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			metrics TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (domain, partition_key, stage)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_manifest_partition ON manifest(domain, partition_key)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			target_type TEXT NOT NULL,
			target_name TEXT NOT NULL,
			schedule_kind TEXT NOT NULL,
			cron_expression TEXT,
			interval_seconds INTEGER,
			timezone TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TEXT,
			next_run_at TEXT,
			params_template TEXT,
			max_instances INTEGER NOT NULL DEFAULT 1,
			misfire_grace_seconds INTEGER NOT NULL DEFAULT 60,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS schedule_locks (
			schedule_id TEXT PRIMARY KEY,
			locked_by TEXT NOT NULL,
			locked_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_runs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			schedule_name TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			triggered_execution_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_runs_schedule ON schedule_runs(schedule_id, scheduled_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			domain TEXT,
			status TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			params TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			step_name TEXT NOT NULL,
			step_type TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			error TEXT,
			output TEXT,
			UNIQUE (run_id, step_name)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_name TEXT,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_run ON workflow_events(run_id, timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
