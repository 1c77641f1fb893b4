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
	"sort"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSQLite_Migrates(t *testing.T) {
	s := openTestStore(t)

	tables := []string{
		"executions", "execution_events", "dead_letters", "concurrency_locks",
		"manifest", "schedules", "schedule_locks", "schedule_runs",
		"workflow_runs", "workflow_steps", "workflow_events",
	}
	for _, table := range tables {
		var count int
		err := s.DB().QueryRowContext(context.Background(),
			fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		require.NoError(t, err, "table %s should exist", table)
		require.Zero(t, count)
	}
}

func TestOpenSQLite_MigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.migrate(context.Background()))
}

func TestInTx_CommitAndRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO concurrency_locks (lock_key, execution_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
			"lock-a", "e1", FormatTime(time.Now()), FormatTime(time.Now().Add(time.Minute)))
		return err
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO concurrency_locks (lock_key, execution_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
			"lock-b", "e2", FormatTime(time.Now()), FormatTime(time.Now().Add(time.Minute)))
		require.NoError(t, err)
		return fmt.Errorf("forced rollback")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM concurrency_locks").Scan(&count))
	require.Equal(t, 1, count, "rolled back row must not persist")
}

func TestTimeLayout_LexicographicOrder(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(90 * time.Millisecond),
		base,
		base.Add(2 * time.Second),
		base.Add(100 * time.Nanosecond),
	}

	encoded := make([]string, len(times))
	for i, ts := range times {
		encoded[i] = FormatTime(ts)
	}
	sort.Strings(encoded)

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i, ts := range times {
		require.Equal(t, FormatTime(ts), encoded[i],
			"lexicographic order must match chronological order")
	}
}

func TestParseTime_RoundTrip(t *testing.T) {
	now := time.Date(2025, 7, 4, 8, 30, 15, 123456789, time.UTC)
	parsed, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	require.True(t, parsed.Equal(now))
}

func TestSupportsSkipLocked(t *testing.T) {
	s := openTestStore(t)
	require.False(t, s.SupportsSkipLocked(), "sqlite has no SKIP LOCKED")
}
