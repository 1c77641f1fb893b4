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

// Package guard provides named leases with owner and expiry: lease-based
// mutual exclusion by name with TTL. Expired leases are treated as absent,
// so a fresh acquire against an expired lease wins.
package guard

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

// Guard manages rows in the concurrency_locks table.
type Guard struct {
	store *store.Store
	clock ident.Clock
}

// New creates a guard over the given store.
func New(s *store.Store, clock ident.Clock) *Guard {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Guard{store: s, clock: clock}
}

// Acquire attempts to take the named lease for ownerID with the given TTL.
// Exactly one of two racing acquirers sees true; the loser sees false. The
// insert-or-steal runs in one transaction, never read-then-write outside it.
func (g *Guard) Acquire(ctx context.Context, lockKey, ownerID string, ttl time.Duration) (bool, error) {
	acquired := false
	err := g.store.InTx(ctx, func(tx *sqlx.Tx) error {
		now := g.clock.Now()

		// Steal the row if the prior lease expired.
		del := g.store.Rebind(`DELETE FROM concurrency_locks WHERE lock_key = ? AND expires_at <= ?`)
		if _, err := tx.ExecContext(ctx, del, lockKey, store.FormatTime(now)); err != nil {
			return errors.Database(err, "reaping expired lease")
		}

		ins := g.store.Rebind(`
			INSERT INTO concurrency_locks (lock_key, execution_id, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, ins, lockKey, ownerID,
			store.FormatTime(now), store.FormatTime(now.Add(ttl)))
		if err != nil {
			// Unexpired holder stands; the loser sees false. Anything
			// other than the primary-key collision is a real failure.
			if store.IsUniqueViolation(err) {
				return errLockHeld
			}
			return errors.Database(err, "inserting lease")
		}
		acquired = true
		return nil
	})
	if err == errLockHeld {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acquired, nil
}

var errLockHeld = errors.New(errors.CategoryOperation, "lock held")

// Release frees the lease if ownerID matches the current holder. Returns
// false without mutation otherwise.
func (g *Guard) Release(ctx context.Context, lockKey, ownerID string) (bool, error) {
	query := g.store.Rebind(`DELETE FROM concurrency_locks WHERE lock_key = ? AND execution_id = ?`)
	res, err := g.store.DB().ExecContext(ctx, query, lockKey, ownerID)
	if err != nil {
		return false, errors.Database(err, "releasing lease")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Extend moves the lease's expiry forward if ownerID holds it.
func (g *Guard) Extend(ctx context.Context, lockKey, ownerID string, ttl time.Duration) (bool, error) {
	now := g.clock.Now()
	query := g.store.Rebind(`
		UPDATE concurrency_locks SET expires_at = ?
		WHERE lock_key = ? AND execution_id = ? AND expires_at > ?`)
	res, err := g.store.DB().ExecContext(ctx, query,
		store.FormatTime(now.Add(ttl)), lockKey, ownerID, store.FormatTime(now))
	if err != nil {
		return false, errors.Database(err, "extending lease")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsHeld reports whether an unexpired lease exists for lockKey.
func (g *Guard) IsHeld(ctx context.Context, lockKey string) (bool, error) {
	query := g.store.Rebind(`
		SELECT COUNT(*) FROM concurrency_locks WHERE lock_key = ? AND expires_at > ?`)
	var count int
	err := g.store.DB().QueryRowContext(ctx, query,
		lockKey, store.FormatTime(g.clock.Now())).Scan(&count)
	if err != nil {
		return false, errors.Database(err, "checking lease")
	}
	return count > 0, nil
}

// ReapExpired removes all expired leases and returns the count. Idempotent.
func (g *Guard) ReapExpired(ctx context.Context) (int, error) {
	query := g.store.Rebind(`DELETE FROM concurrency_locks WHERE expires_at <= ?`)
	res, err := g.store.DB().ExecContext(ctx, query, store.FormatTime(g.clock.Now()))
	if err != nil {
		return 0, errors.Database(err, "reaping expired leases")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
