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

package sched

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

// ScheduleKind selects how the next run is computed.
type ScheduleKind string

const (
	KindCron     ScheduleKind = "cron"
	KindInterval ScheduleKind = "interval"
)

// TargetType selects what a schedule submits.
type TargetType string

const (
	TargetOperation TargetType = "operation"
	TargetWorkflow  TargetType = "workflow"
)

// Run statuses recorded in schedule_runs.
const (
	RunTriggered = "triggered"
	RunSkipped   = "skipped"
	RunFailed    = "failed"
)

// Schedule is a persisted trigger definition.
type Schedule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	TargetType      TargetType     `json:"target_type"`
	TargetName      string         `json:"target_name"`
	Kind            ScheduleKind   `json:"schedule_kind"`
	CronExpression  string         `json:"cron_expression,omitempty"`
	IntervalSeconds int            `json:"interval_seconds,omitempty"`
	Timezone        string         `json:"timezone,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	ParamsTemplate  map[string]any `json:"params_template,omitempty"`
	MaxInstances    int            `json:"max_instances"`
	MisfireGrace    time.Duration  `json:"misfire_grace_seconds"`
	Version         int            `json:"version"`
}

// ScheduleRun is one row of emission history.
type ScheduleRun struct {
	ID           string    `json:"id"`
	ScheduleID   string    `json:"schedule_id"`
	ScheduleName string    `json:"schedule_name"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	ExecutionID  string    `json:"triggered_execution_id,omitempty"`
}

// Store persists schedules, their locks and their run history.
type Store struct {
	store *store.Store
	clock ident.Clock
}

// NewStore creates a schedule store.
func NewStore(s *store.Store, clock ident.Clock) *Store {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Store{store: s, clock: clock}
}

// Validate checks the definition and parses its trigger.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return errors.New(errors.CategoryValidation, "schedule name is required")
	}
	if s.TargetName == "" {
		return errors.New(errors.CategoryValidation, "schedule target is required")
	}
	switch s.TargetType {
	case TargetOperation, TargetWorkflow:
	default:
		return errors.Newf(errors.CategoryValidation, "unknown target type %q", s.TargetType)
	}
	switch s.Kind {
	case KindCron:
		if _, err := ParseCron(s.CronExpression); err != nil {
			return err
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return errors.Wrapf(err, errors.CategoryValidation, "timezone %q", s.Timezone)
			}
		}
	case KindInterval:
		if s.IntervalSeconds <= 0 {
			return errors.New(errors.CategoryValidation, "interval schedules need interval_seconds > 0")
		}
	default:
		return errors.Newf(errors.CategoryValidation, "unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextAfter computes the schedule's next emission strictly after from.
func (s *Schedule) NextAfter(from time.Time) (time.Time, error) {
	switch s.Kind {
	case KindCron:
		cron, err := ParseCron(s.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		loc := time.UTC
		if s.Timezone != "" {
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, errors.Wrapf(err, errors.CategoryValidation, "timezone %q", s.Timezone)
			}
		}
		return cron.Next(from.In(loc)).UTC(), nil
	case KindInterval:
		if s.LastRunAt != nil {
			return s.LastRunAt.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
		}
		return from, nil
	default:
		return time.Time{}, errors.Newf(errors.CategoryValidation, "unknown schedule kind %q", s.Kind)
	}
}

// latestSlot walks the schedule forward from a stale slot and returns the
// most recent emission time after from and not after now. The zero time
// means the schedule has no slot in that window.
func (s *Schedule) latestSlot(from, now time.Time) (time.Time, error) {
	switch s.Kind {
	case KindCron:
		cron, err := ParseCron(s.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		loc := time.UTC
		if s.Timezone != "" {
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, errors.Wrapf(err, errors.CategoryValidation, "timezone %q", s.Timezone)
			}
		}
		var latest time.Time
		cur := from
		for {
			next := cron.Next(cur.In(loc)).UTC()
			if next.IsZero() || next.After(now) {
				return latest, nil
			}
			latest = next
			cur = next
		}
	case KindInterval:
		ivl := time.Duration(s.IntervalSeconds) * time.Second
		if ivl <= 0 {
			return time.Time{}, errors.New(errors.CategoryValidation, "interval schedules need interval_seconds > 0")
		}
		if now.Sub(from) < ivl {
			return time.Time{}, nil
		}
		return from.Add(now.Sub(from) / ivl * ivl), nil
	default:
		return time.Time{}, errors.Newf(errors.CategoryValidation, "unknown schedule kind %q", s.Kind)
	}
}

// Create validates, computes the first next_run_at and inserts the row.
func (st *Store) Create(ctx context.Context, sched *Schedule) (*Schedule, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	if sched.ID == "" {
		sched.ID = ident.NewID()
	}
	if sched.MaxInstances <= 0 {
		sched.MaxInstances = 1
	}
	if sched.MisfireGrace <= 0 {
		sched.MisfireGrace = time.Minute
	}
	sched.Version = 1

	next, err := sched.NextAfter(st.clock.Now())
	if err != nil {
		return nil, err
	}
	sched.NextRunAt = &next

	paramsJSON, err := marshalParams(sched.ParamsTemplate)
	if err != nil {
		return nil, err
	}
	query := st.store.Rebind(`
		INSERT INTO schedules (id, name, target_type, target_name, schedule_kind,
			cron_expression, interval_seconds, timezone, enabled, last_run_at,
			next_run_at, params_template, max_instances, misfire_grace_seconds, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = st.store.DB().ExecContext(ctx, query,
		sched.ID, sched.Name, string(sched.TargetType), sched.TargetName, string(sched.Kind),
		store.NullString(sched.CronExpression), sched.IntervalSeconds,
		store.NullString(sched.Timezone), boolInt(sched.Enabled), nil,
		store.FormatTime(next), paramsJSON, sched.MaxInstances,
		int(sched.MisfireGrace/time.Second), sched.Version)
	if err != nil {
		return nil, errors.Database(err, "creating schedule")
	}
	return sched, nil
}

// Update rewrites the mutable columns, bumping the version.
func (st *Store) Update(ctx context.Context, sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	next, err := sched.NextAfter(st.clock.Now())
	if err != nil {
		return err
	}
	paramsJSON, err := marshalParams(sched.ParamsTemplate)
	if err != nil {
		return err
	}

	query := st.store.Rebind(`
		UPDATE schedules SET target_type = ?, target_name = ?, schedule_kind = ?,
			cron_expression = ?, interval_seconds = ?, timezone = ?, enabled = ?,
			next_run_at = ?, params_template = ?, max_instances = ?,
			misfire_grace_seconds = ?, version = version + 1
		WHERE id = ?`)
	res, err := st.store.DB().ExecContext(ctx, query,
		string(sched.TargetType), sched.TargetName, string(sched.Kind),
		store.NullString(sched.CronExpression), sched.IntervalSeconds,
		store.NullString(sched.Timezone), boolInt(sched.Enabled),
		store.FormatTime(next), paramsJSON, sched.MaxInstances,
		int(sched.MisfireGrace/time.Second), sched.ID)
	if err != nil {
		return errors.Database(err, "updating schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("schedule", sched.ID)
	}
	return nil
}

// SetEnabled flips the enabled flag.
func (st *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := st.store.Rebind(`UPDATE schedules SET enabled = ? WHERE id = ?`)
	res, err := st.store.DB().ExecContext(ctx, query, boolInt(enabled), id)
	if err != nil {
		return errors.Database(err, "toggling schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("schedule", id)
	}
	return nil
}

// Delete removes the schedule and its lock.
func (st *Store) Delete(ctx context.Context, id string) error {
	return st.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			st.store.Rebind(`DELETE FROM schedule_locks WHERE schedule_id = ?`), id); err != nil {
			return errors.Database(err, "deleting schedule lock")
		}
		res, err := tx.ExecContext(ctx,
			st.store.Rebind(`DELETE FROM schedules WHERE id = ?`), id)
		if err != nil {
			return errors.Database(err, "deleting schedule")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFound("schedule", id)
		}
		return nil
	})
}

// Get returns the schedule by id, or nil.
func (st *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	return st.getBy(ctx, "id", id)
}

// GetByName returns the schedule by unique name, or nil.
func (st *Store) GetByName(ctx context.Context, name string) (*Schedule, error) {
	return st.getBy(ctx, "name", name)
}

func (st *Store) getBy(ctx context.Context, column, value string) (*Schedule, error) {
	query := st.store.Rebind(scheduleColumns + ` FROM schedules WHERE ` + column + ` = ?`)
	row := st.store.DB().QueryRowContext(ctx, query, value)
	sched, err := scanSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sched, err
}

// List returns all schedules ordered by name.
func (st *Store) List(ctx context.Context) ([]*Schedule, error) {
	rows, err := st.store.DB().QueryContext(ctx, scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, errors.Database(err, "listing schedules")
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// ClaimDue locks and returns enabled schedules whose next_run_at has
// passed. Each returned schedule is exclusively held by lockedBy until
// the TTL expires or the lock is released.
func (st *Store) ClaimDue(ctx context.Context, lockedBy string, ttl time.Duration) ([]*Schedule, error) {
	now := st.clock.Now()
	query := st.store.Rebind(scheduleColumns + `
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`)
	rows, err := st.store.DB().QueryContext(ctx, query, store.FormatTime(now))
	if err != nil {
		return nil, errors.Database(err, "listing due schedules")
	}
	var due []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, sched)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Database(err, "listing due schedules")
	}

	var claimed []*Schedule
	for _, sched := range due {
		ok, err := st.lock(ctx, sched.ID, lockedBy, ttl)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, sched)
		}
	}
	return claimed, nil
}

// lock is an insert-or-steal against schedule_locks, one transaction per
// schedule so a crashed peer's expired lock is reclaimable.
func (st *Store) lock(ctx context.Context, scheduleID, lockedBy string, ttl time.Duration) (bool, error) {
	locked := false
	err := st.store.InTx(ctx, func(tx *sqlx.Tx) error {
		now := st.clock.Now()
		del := st.store.Rebind(`DELETE FROM schedule_locks WHERE schedule_id = ? AND expires_at <= ?`)
		if _, err := tx.ExecContext(ctx, del, scheduleID, store.FormatTime(now)); err != nil {
			return errors.Database(err, "reaping expired schedule lock")
		}
		ins := st.store.Rebind(`
			INSERT INTO schedule_locks (schedule_id, locked_by, locked_at, expires_at)
			VALUES (?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, ins, scheduleID, lockedBy,
			store.FormatTime(now), store.FormatTime(now.Add(ttl)))
		if err != nil {
			return errScheduleLocked
		}
		locked = true
		return nil
	})
	if err == errScheduleLocked {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return locked, nil
}

var errScheduleLocked = errors.New(errors.CategoryOperation, "schedule locked")

// Unlock releases the schedule lock held by lockedBy.
func (st *Store) Unlock(ctx context.Context, scheduleID, lockedBy string) error {
	query := st.store.Rebind(`DELETE FROM schedule_locks WHERE schedule_id = ? AND locked_by = ?`)
	if _, err := st.store.DB().ExecContext(ctx, query, scheduleID, lockedBy); err != nil {
		return errors.Database(err, "unlocking schedule")
	}
	return nil
}

// MarkRun stamps last_run_at and the freshly computed next_run_at.
func (st *Store) MarkRun(ctx context.Context, scheduleID string, lastRun, nextRun time.Time) error {
	query := st.store.Rebind(`
		UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`)
	_, err := st.store.DB().ExecContext(ctx, query,
		store.FormatTime(lastRun), nullNextRun(nextRun), scheduleID)
	if err != nil {
		return errors.Database(err, "stamping schedule run")
	}
	return nil
}

// RecordRun appends an emission history row.
func (st *Store) RecordRun(ctx context.Context, run *ScheduleRun) error {
	if run.ID == "" {
		run.ID = ident.NewID()
	}
	query := st.store.Rebind(`
		INSERT INTO schedule_runs (id, schedule_id, schedule_name, scheduled_at, status, reason, triggered_execution_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := st.store.DB().ExecContext(ctx, query,
		run.ID, run.ScheduleID, run.ScheduleName, store.FormatTime(run.ScheduledAt),
		run.Status, store.NullString(run.Reason), store.NullString(run.ExecutionID))
	if err != nil {
		return errors.Database(err, "recording schedule run")
	}
	return nil
}

// ListRuns returns a schedule's history, newest first.
func (st *Store) ListRuns(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRun, error) {
	query := `
		SELECT id, schedule_id, schedule_name, scheduled_at, status, reason, triggered_execution_id
		FROM schedule_runs WHERE schedule_id = ?
		ORDER BY scheduled_at DESC, id DESC`
	args := []any{scheduleID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := st.store.DB().QueryContext(ctx, st.store.Rebind(query), args...)
	if err != nil {
		return nil, errors.Database(err, "listing schedule runs")
	}
	defer rows.Close()

	var runs []*ScheduleRun
	for rows.Next() {
		var (
			run                 ScheduleRun
			scheduledAt         string
			reason, executionID sql.NullString
		)
		err := rows.Scan(&run.ID, &run.ScheduleID, &run.ScheduleName, &scheduledAt,
			&run.Status, &reason, &executionID)
		if err != nil {
			return nil, errors.Database(err, "scanning schedule run")
		}
		run.ScheduledAt, err = store.ParseTime(scheduledAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryParse, "parsing scheduled_at")
		}
		run.Reason = store.StringOrEmpty(reason)
		run.ExecutionID = store.StringOrEmpty(executionID)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

const scheduleColumns = `
	SELECT id, name, target_type, target_name, schedule_kind, cron_expression,
		interval_seconds, timezone, enabled, last_run_at, next_run_at,
		params_template, max_instances, misfire_grace_seconds, version`

func scanSchedule(scan func(...any) error) (*Schedule, error) {
	var (
		sched                    Schedule
		targetType, kind         string
		cronExpr, timezone       sql.NullString
		intervalSeconds, enabled int
		lastRunAt, nextRunAt     sql.NullString
		paramsTemplate           sql.NullString
		misfireGraceSeconds      int
	)
	err := scan(&sched.ID, &sched.Name, &targetType, &sched.TargetName, &kind,
		&cronExpr, &intervalSeconds, &timezone, &enabled, &lastRunAt, &nextRunAt,
		&paramsTemplate, &sched.MaxInstances, &misfireGraceSeconds, &sched.Version)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Database(err, "scanning schedule")
	}

	sched.TargetType = TargetType(targetType)
	sched.Kind = ScheduleKind(kind)
	sched.CronExpression = store.StringOrEmpty(cronExpr)
	sched.IntervalSeconds = intervalSeconds
	sched.Timezone = store.StringOrEmpty(timezone)
	sched.Enabled = enabled != 0
	sched.LastRunAt = store.ParseNullTime(lastRunAt)
	sched.NextRunAt = store.ParseNullTime(nextRunAt)
	sched.MisfireGrace = time.Duration(misfireGraceSeconds) * time.Second
	if paramsTemplate.Valid && paramsTemplate.String != "" {
		if err := json.Unmarshal([]byte(paramsTemplate.String), &sched.ParamsTemplate); err != nil {
			return nil, errors.Wrap(err, errors.CategoryParse, "decoding params template")
		}
	}
	return &sched, nil
}

func marshalParams(params map[string]any) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryParse, "marshaling params template")
	}
	return string(data), nil
}

func nullNextRun(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return store.FormatTime(t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
