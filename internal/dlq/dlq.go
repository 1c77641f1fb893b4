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

// Package dlq captures exhausted failures for intervention or replay.
// A dead letter is replayable while retry_count < max_retries and it has
// not been resolved; resolution is a one-way transition.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

// DeadLetter is a failed execution awaiting intervention or replay.
type DeadLetter struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Workflow    string         `json:"workflow"`
	Params      map[string]any `json:"params,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	LastRetryAt *time.Time     `json:"last_retry_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	Note        string         `json:"note,omitempty"`
}

// CanRetry reports whether the dead letter may still be replayed.
func (d *DeadLetter) CanRetry() bool {
	return d.RetryCount < d.MaxRetries && d.ResolvedAt == nil
}

// Filter narrows dead-letter listings. Zero values match everything.
type Filter struct {
	Workflow string
	Limit    int
	Offset   int
}

// Queue manages rows in the dead_letters table.
type Queue struct {
	store *store.Store
	clock ident.Clock
}

// New creates a dead-letter queue over the given store.
func New(s *store.Store, clock ident.Clock) *Queue {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Queue{store: s, clock: clock}
}

const deadLetterColumns = `id, execution_id, workflow, params, error, retry_count,
	max_retries, created_at, last_retry_at, resolved_at, resolved_by, note`

// Add captures a failed execution.
func (q *Queue) Add(ctx context.Context, executionID, workflow string, params map[string]any, errMsg string, maxRetries int) (*DeadLetter, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	d := &DeadLetter{
		ID:          ident.NewID(),
		ExecutionID: executionID,
		Workflow:    workflow,
		Params:      params,
		Error:       errMsg,
		MaxRetries:  maxRetries,
		CreatedAt:   q.clock.Now(),
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryParse, "marshaling params")
	}

	query := q.store.Rebind(`
		INSERT INTO dead_letters (id, execution_id, workflow, params, error, retry_count,
			max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`)
	_, err = q.store.DB().ExecContext(ctx, query,
		d.ID, d.ExecutionID, d.Workflow, string(paramsJSON),
		store.NullString(d.Error), d.MaxRetries, store.FormatTime(d.CreatedAt))
	if err != nil {
		return nil, errors.Database(err, "adding dead letter")
	}
	return d, nil
}

// Get returns the dead letter with the given id, or nil if absent.
func (q *Queue) Get(ctx context.Context, id string) (*DeadLetter, error) {
	query := q.store.Rebind(`SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = ?`)
	d, err := scanDeadLetter(q.store.DB().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Database(err, "getting dead letter")
	}
	return d, nil
}

// ListUnresolved returns dead letters that have not been resolved.
func (q *Queue) ListUnresolved(ctx context.Context, filter Filter) ([]*DeadLetter, error) {
	return q.list(ctx, filter, true)
}

// ListAll returns all dead letters.
func (q *Queue) ListAll(ctx context.Context, filter Filter) ([]*DeadLetter, error) {
	return q.list(ctx, filter, false)
}

func (q *Queue) list(ctx context.Context, filter Filter, unresolvedOnly bool) ([]*DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1=1`
	args := []any{}

	if unresolvedOnly {
		query += " AND resolved_at IS NULL"
	}
	if filter.Workflow != "" {
		query += " AND workflow = ?"
		args = append(args, filter.Workflow)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := q.store.DB().QueryContext(ctx, q.store.Rebind(query), args...)
	if err != nil {
		return nil, errors.Database(err, "listing dead letters")
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, errors.Database(err, "scanning dead letter")
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

// MarkRetryAttempted increments the retry counter and stamps last_retry_at.
func (q *Queue) MarkRetryAttempted(ctx context.Context, id string) error {
	query := q.store.Rebind(`
		UPDATE dead_letters SET retry_count = retry_count + 1, last_retry_at = ?
		WHERE id = ?`)
	res, err := q.store.DB().ExecContext(ctx, query, store.FormatTime(q.clock.Now()), id)
	if err != nil {
		return errors.Database(err, "marking retry attempt")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("dead letter", id)
	}
	return nil
}

// Resolve marks the dead letter resolved. The transition is one-way:
// resolving an already-resolved letter is a conflict.
func (q *Queue) Resolve(ctx context.Context, id, resolvedBy, note string) error {
	query := q.store.Rebind(`
		UPDATE dead_letters SET resolved_at = ?, resolved_by = ?, note = ?
		WHERE id = ? AND resolved_at IS NULL`)
	res, err := q.store.DB().ExecContext(ctx, query,
		store.FormatTime(q.clock.Now()), resolvedBy, store.NullString(note), id)
	if err != nil {
		return errors.Database(err, "resolving dead letter")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		d, getErr := q.Get(ctx, id)
		if getErr == nil && d == nil {
			return errors.NotFound("dead letter", id)
		}
		return errors.New(errors.CategoryOperation, "dead letter already resolved")
	}
	return nil
}

// CanRetry reports whether the dead letter with the given id is replayable.
func (q *Queue) CanRetry(ctx context.Context, id string) (bool, error) {
	d, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, errors.NotFound("dead letter", id)
	}
	return d.CanRetry(), nil
}

// CountUnresolved returns the number of unresolved dead letters.
func (q *Queue) CountUnresolved(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`
	if err := q.store.DB().QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, errors.Database(err, "counting unresolved dead letters")
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row scanner) (*DeadLetter, error) {
	var (
		d                     DeadLetter
		params                sql.NullString
		errMsg, resolvedBy    sql.NullString
		note                  sql.NullString
		createdAt             string
		lastRetryAt, resolved sql.NullString
	)

	err := row.Scan(&d.ID, &d.ExecutionID, &d.Workflow, &params, &errMsg,
		&d.RetryCount, &d.MaxRetries, &createdAt, &lastRetryAt, &resolved,
		&resolvedBy, &note)
	if err != nil {
		return nil, err
	}

	d.Error = store.StringOrEmpty(errMsg)
	d.ResolvedBy = store.StringOrEmpty(resolvedBy)
	d.Note = store.StringOrEmpty(note)

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &d.Params); err != nil {
			return nil, err
		}
	}

	d.CreatedAt, err = store.ParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	d.LastRetryAt = store.ParseNullTime(lastRetryAt)
	d.ResolvedAt = store.ParseNullTime(resolved)

	return &d, nil
}
