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

	"github.com/jmoiron/sqlx"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

// ClaimPending atomically claims up to limit pending executions for a
// worker, transitioning them to running with started_at set. No execution
// is ever handed to two workers.
//
// On PostgreSQL the claim uses FOR UPDATE SKIP LOCKED so concurrent
// workers skip past each other's rows. SQLite has no SKIP LOCKED; there
// the claim stamps a unique token in a single UPDATE (SQLite serializes
// writers) and re-reads the stamped rows.
func (l *Ledger) ClaimPending(ctx context.Context, limit int) ([]*Execution, error) {
	if limit <= 0 {
		return nil, nil
	}
	if l.store.SupportsSkipLocked() {
		return l.claimSkipLocked(ctx, limit)
	}
	return l.claimWithToken(ctx, limit)
}

func (l *Ledger) claimSkipLocked(ctx context.Context, limit int) ([]*Execution, error) {
	var claimed []*Execution
	err := l.store.InTx(ctx, func(tx *sqlx.Tx) error {
		now := store.FormatTime(l.clock.Now())
		query := l.store.Rebind(`
			UPDATE executions
			   SET status = 'running', started_at = ?
			 WHERE id IN (
			       SELECT id FROM executions
			        WHERE status = 'pending'
			        ORDER BY created_at, id
			        LIMIT ?
			        FOR UPDATE SKIP LOCKED
			 )
			 RETURNING ` + executionColumns)
		rows, err := tx.QueryContext(ctx, query, now, limit)
		if err != nil {
			return errors.Database(err, "claiming executions")
		}
		defer rows.Close()

		for rows.Next() {
			exec, err := scanExecution(rows)
			if err != nil {
				return errors.Database(err, "scanning claimed execution")
			}
			claimed = append(claimed, exec)
		}
		if err := rows.Err(); err != nil {
			return errors.Database(err, "iterating claimed executions")
		}

		for _, exec := range claimed {
			if err := l.insertEvent(ctx, tx, exec.ID, EventStarted, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (l *Ledger) claimWithToken(ctx context.Context, limit int) ([]*Execution, error) {
	token := ident.NewToken()
	var claimed []*Execution

	err := l.store.InTx(ctx, func(tx *sqlx.Tx) error {
		now := store.FormatTime(l.clock.Now())
		update := l.store.Rebind(`
			UPDATE executions
			   SET status = 'running', started_at = ?, claim_token = ?
			 WHERE id IN (
			       SELECT id FROM executions
			        WHERE status = 'pending'
			        ORDER BY created_at, id
			        LIMIT ?
			 )`)
		if _, err := tx.ExecContext(ctx, update, now, token, limit); err != nil {
			return errors.Database(err, "claiming executions")
		}

		query := l.store.Rebind(`SELECT ` + executionColumns + `
			FROM executions WHERE claim_token = ? ORDER BY created_at, id`)
		rows, err := tx.QueryContext(ctx, query, token)
		if err != nil {
			return errors.Database(err, "reading claimed executions")
		}
		defer rows.Close()

		for rows.Next() {
			exec, err := scanExecution(rows)
			if err != nil {
				return errors.Database(err, "scanning claimed execution")
			}
			claimed = append(claimed, exec)
		}
		if err := rows.Err(); err != nil {
			return errors.Database(err, "iterating claimed executions")
		}

		for _, exec := range claimed {
			if err := l.insertEvent(ctx, tx, exec.ID, EventStarted, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinishClaimed writes the terminal state for a claimed execution. If a
// concurrent cancel already marked the row cancelled, the handler's result
// is discarded and the row stays cancelled (last-write-wins on cancelled).
// Returns true when the terminal state was written.
func (l *Ledger) FinishClaimed(ctx context.Context, id string, status Status, result map[string]any, errMsg string) (bool, error) {
	current, err := l.GetExecution(ctx, id)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, errors.NotFound("execution", id)
	}
	if current.Status == StatusCancelled {
		return false, nil
	}
	if err := l.UpdateStatus(ctx, id, status, result, errMsg); err != nil {
		return false, err
	}
	return true, nil
}
