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

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

const executionColumns = `id, workflow, params, lane, trigger_source, logical_key, status,
	parent_execution_id, runtime, external_ref, spec_hash, created_at, started_at,
	completed_at, result, error, retry_count, idempotency_key`

// Ledger provides CRUD on executions and append-only access to their events.
type Ledger struct {
	store *store.Store
	clock ident.Clock
}

// New creates a ledger over the given store.
func New(s *store.Store, clock ident.Clock) *Ledger {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Ledger{store: s, clock: clock}
}

// CreateExecution inserts an execution and its `created` event in one
// transaction. If the execution carries an idempotency key that already
// exists, the prior execution is returned unchanged and nothing is written.
func (l *Ledger) CreateExecution(ctx context.Context, exec *Execution) (*Execution, error) {
	if exec.ID == "" {
		exec.ID = ident.NewID()
	}
	if exec.Status == "" {
		exec.Status = StatusPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = l.clock.Now()
	}

	if exec.IdempotencyKey != "" {
		if prior, err := l.GetByIdempotencyKey(ctx, exec.IdempotencyKey); err != nil {
			return nil, err
		} else if prior != nil {
			return prior, nil
		}
	}

	paramsJSON, err := json.Marshal(exec.Params)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryParse, "marshaling params")
	}

	err = l.store.InTx(ctx, func(tx *sqlx.Tx) error {
		query := l.store.Rebind(`
			INSERT INTO executions (id, workflow, params, lane, trigger_source, logical_key,
				status, parent_execution_id, runtime, external_ref, spec_hash, created_at,
				retry_count, idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, query,
			exec.ID, exec.Workflow, string(paramsJSON), store.NullString(exec.Lane),
			string(exec.Trigger), store.NullString(exec.LogicalKey), string(exec.Status),
			store.NullString(exec.ParentID), store.NullString(exec.Runtime),
			store.NullString(exec.ExternalRef), store.NullString(exec.SpecHash),
			store.FormatTime(exec.CreatedAt), exec.RetryCount,
			store.NullString(exec.IdempotencyKey),
		)
		if err != nil {
			return err
		}
		return l.insertEvent(ctx, tx, exec.ID, EventCreated, map[string]any{
			"workflow": exec.Workflow,
			"trigger":  string(exec.Trigger),
		})
	})
	if err != nil {
		// A concurrent submit with the same idempotency key can win the
		// race between the lookup and the insert; re-read and dedup.
		if exec.IdempotencyKey != "" && store.IsUniqueViolation(err) {
			if prior, lookupErr := l.GetByIdempotencyKey(ctx, exec.IdempotencyKey); lookupErr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, errors.Database(err, "creating execution")
	}

	return exec, nil
}

// GetExecution returns the execution with the given id, or nil if absent.
func (l *Ledger) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := l.store.Rebind(`SELECT ` + executionColumns + ` FROM executions WHERE id = ?`)
	row := l.store.DB().QueryRowContext(ctx, query, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database(err, "getting execution")
	}
	return exec, nil
}

// GetByIdempotencyKey returns the execution holding the key, or nil.
func (l *Ledger) GetByIdempotencyKey(ctx context.Context, key string) (*Execution, error) {
	query := l.store.Rebind(`SELECT ` + executionColumns + ` FROM executions WHERE idempotency_key = ?`)
	row := l.store.DB().QueryRowContext(ctx, query, key)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database(err, "looking up idempotency key")
	}
	return exec, nil
}

// UpdateStatus transitions an execution to newStatus, writes the derived
// timestamp, and appends the corresponding lifecycle event atomically.
// Illegal transitions are rejected as validation errors. Result is stored
// only on success, errMsg only on failure.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, newStatus Status, result map[string]any, errMsg string) error {
	return l.store.InTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		query := l.store.Rebind(`SELECT status FROM executions WHERE id = ?`)
		if err := tx.QueryRowContext(ctx, query, id).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return errors.NotFound("execution", id)
			}
			return errors.Database(err, "reading execution status")
		}

		from := Status(current)
		if !from.CanTransition(newStatus) {
			return errors.Newf(errors.CategoryValidation,
				"illegal status transition %s -> %s for execution %s", from, newStatus, id)
		}

		now := l.clock.Now()
		sets := []string{"status = ?"}
		args := []any{string(newStatus)}

		var eventType EventType
		eventData := map[string]any{}

		switch {
		case newStatus == StatusQueued:
			eventType = EventQueued
		case newStatus == StatusRunning:
			sets = append(sets, "started_at = ?")
			args = append(args, store.FormatTime(now))
			eventType = EventStarted
		case newStatus.IsTerminal():
			sets = append(sets, "completed_at = ?")
			args = append(args, store.FormatTime(now))
			eventType = terminalEvent(newStatus)
			if newStatus == StatusCompleted && result != nil {
				resultJSON, err := json.Marshal(result)
				if err != nil {
					return errors.Wrap(err, errors.CategoryParse, "marshaling result")
				}
				sets = append(sets, "result = ?")
				args = append(args, string(resultJSON))
			}
			if newStatus != StatusCompleted && errMsg != "" {
				sets = append(sets, "error = ?")
				args = append(args, errMsg)
				eventData["error"] = errMsg
			}
		}

		args = append(args, id)
		update := l.store.Rebind(fmt.Sprintf(`UPDATE executions SET %s WHERE id = ?`, strings.Join(sets, ", ")))
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return errors.Database(err, "updating execution status")
		}

		return l.insertEvent(ctx, tx, id, eventType, eventData)
	})
}

// CancelIfNotStarted transitions a pending or queued execution to cancelled.
// Returns true on success and false if the execution was already running or
// terminal; the compare-and-set never touches rows outside those states.
func (l *Ledger) CancelIfNotStarted(ctx context.Context, id string) (bool, error) {
	cancelled := false
	err := l.store.InTx(ctx, func(tx *sqlx.Tx) error {
		now := l.clock.Now()
		query := l.store.Rebind(`
			UPDATE executions SET status = ?, completed_at = ?
			WHERE id = ? AND status IN (?, ?)`)
		res, err := tx.ExecContext(ctx, query,
			string(StatusCancelled), store.FormatTime(now),
			id, string(StatusPending), string(StatusQueued))
		if err != nil {
			return errors.Database(err, "cancelling execution")
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		cancelled = true
		return l.insertEvent(ctx, tx, id, EventCancelled, nil)
	})
	return cancelled, err
}

// IncrementRetry bumps the retry counter, records a `retried` event, and
// returns the new count.
func (l *Ledger) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := l.store.InTx(ctx, func(tx *sqlx.Tx) error {
		update := l.store.Rebind(`UPDATE executions SET retry_count = retry_count + 1 WHERE id = ?`)
		res, err := tx.ExecContext(ctx, update, id)
		if err != nil {
			return errors.Database(err, "incrementing retry count")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFound("execution", id)
		}
		query := l.store.Rebind(`SELECT retry_count FROM executions WHERE id = ?`)
		if err := tx.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
			return errors.Database(err, "reading retry count")
		}
		return l.insertEvent(ctx, tx, id, EventRetried, map[string]any{"retry_count": count})
	})
	return count, err
}

// SetDispatch records the runtime, external reference and spec hash chosen
// for an execution by the job engine.
func (l *Ledger) SetDispatch(ctx context.Context, id, runtime, externalRef, specHash string) error {
	query := l.store.Rebind(`UPDATE executions SET runtime = ?, external_ref = ?, spec_hash = ? WHERE id = ?`)
	res, err := l.store.DB().ExecContext(ctx, query,
		store.NullString(runtime), store.NullString(externalRef), store.NullString(specHash), id)
	if err != nil {
		return errors.Database(err, "recording dispatch")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("execution", id)
	}
	return nil
}

// RecordEvent appends an event to an execution's history.
func (l *Ledger) RecordEvent(ctx context.Context, executionID string, eventType EventType, data map[string]any) error {
	return l.store.InTx(ctx, func(tx *sqlx.Tx) error {
		return l.insertEvent(ctx, tx, executionID, eventType, data)
	})
}

// GetEvents returns the execution's events ordered by timestamp, tie-broken
// by id (ULIDs preserve insertion order within a timestamp).
func (l *Ledger) GetEvents(ctx context.Context, executionID string) ([]Event, error) {
	query := l.store.Rebind(`
		SELECT id, execution_id, event_type, timestamp, data
		FROM execution_events WHERE execution_id = ?
		ORDER BY timestamp, id`)
	rows, err := l.store.DB().QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, errors.Database(err, "listing events")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev       Event
			ts       string
			dataJSON sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Type, &ts, &dataJSON); err != nil {
			return nil, errors.Database(err, "scanning event")
		}
		ev.Timestamp, err = store.ParseTime(ts)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryParse, "parsing event timestamp")
		}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
				return nil, errors.Wrap(err, errors.CategoryParse, "parsing event data")
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListExecutions returns executions matching the filter in descending
// created_at order (ties broken by id) together with the total match count.
func (l *Ledger) ListExecutions(ctx context.Context, filter Filter) ([]*Execution, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Workflow != "" {
		where += " AND workflow = ?"
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Lane != "" {
		where += " AND lane = ?"
		args = append(args, filter.Lane)
	}
	if filter.Trigger != "" {
		where += " AND trigger_source = ?"
		args = append(args, string(filter.Trigger))
	}
	if filter.ParentID != "" {
		where += " AND parent_execution_id = ?"
		args = append(args, filter.ParentID)
	}
	if filter.CreatedAfter != nil {
		where += " AND created_at >= ?"
		args = append(args, store.FormatTime(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		where += " AND created_at < ?"
		args = append(args, store.FormatTime(*filter.CreatedBefore))
	}

	var total int
	countQuery := l.store.Rebind("SELECT COUNT(*) FROM executions" + where)
	if err := l.store.DB().QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Database(err, "counting executions")
	}

	query := "SELECT " + executionColumns + " FROM executions" + where +
		" ORDER BY created_at DESC, id DESC"
	limit := filter.Limit
	if limit <= 0 && filter.Offset > 0 {
		// SQLite rejects OFFSET without LIMIT; the row count is the
		// no-cap value.
		limit = total
		if limit < 1 {
			limit = 1
		}
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.store.DB().QueryContext(ctx, l.store.Rebind(query), args...)
	if err != nil {
		return nil, 0, errors.Database(err, "listing executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, errors.Database(err, "scanning execution")
		}
		executions = append(executions, exec)
	}
	return executions, total, rows.Err()
}

// insertEvent appends one event row inside the caller's transaction.
func (l *Ledger) insertEvent(ctx context.Context, tx *sqlx.Tx, executionID string, eventType EventType, data map[string]any) error {
	var dataArg any
	if len(data) > 0 {
		dataJSON, err := json.Marshal(data)
		if err != nil {
			return errors.Wrap(err, errors.CategoryParse, "marshaling event data")
		}
		dataArg = string(dataJSON)
	}

	query := l.store.Rebind(`
		INSERT INTO execution_events (id, execution_id, event_type, timestamp, data)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		ident.NewID(), executionID, string(eventType),
		store.FormatTime(l.clock.Now()), dataArg)
	if err != nil {
		return errors.Database(err, "inserting event")
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		exec                           Execution
		params, result                 sql.NullString
		lane, logicalKey, parentID     sql.NullString
		runtime, externalRef, specHash sql.NullString
		errMsg, idempotencyKey         sql.NullString
		createdAt                      string
		startedAt, completedAt         sql.NullString
	)

	err := row.Scan(
		&exec.ID, &exec.Workflow, &params, &lane, &exec.Trigger, &logicalKey,
		&exec.Status, &parentID, &runtime, &externalRef, &specHash,
		&createdAt, &startedAt, &completedAt, &result, &errMsg,
		&exec.RetryCount, &idempotencyKey,
	)
	if err != nil {
		return nil, err
	}

	exec.Lane = store.StringOrEmpty(lane)
	exec.LogicalKey = store.StringOrEmpty(logicalKey)
	exec.ParentID = store.StringOrEmpty(parentID)
	exec.Runtime = store.StringOrEmpty(runtime)
	exec.ExternalRef = store.StringOrEmpty(externalRef)
	exec.SpecHash = store.StringOrEmpty(specHash)
	exec.Error = store.StringOrEmpty(errMsg)
	exec.IdempotencyKey = store.StringOrEmpty(idempotencyKey)

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &exec.Params); err != nil {
			return nil, fmt.Errorf("unmarshaling params: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &exec.Result); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
	}

	exec.CreatedAt, err = store.ParseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	exec.StartedAt = store.ParseNullTime(startedAt)
	exec.CompletedAt = store.ParseNullTime(completedAt)

	return &exec, nil
}
