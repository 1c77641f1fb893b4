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

package guard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/store"
)

func newTestGuard(t *testing.T) (*Guard, *ident.ManualClock) {
	t.Helper()
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clock := ident.NewManualClock(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	return New(s, clock), clock
}

func TestAcquire_Race(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(owner int) {
			defer wg.Done()
			ok, err := g.Acquire(ctx, "lock-A", fmt.Sprintf("owner-%d", owner), 60*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			if ok {
				atomic.AddInt32(&winners, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners, "exactly one acquirer wins")
}

func TestAcquire_ExpiredLeaseIsAbsent(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "lock-A", "owner-1", 60*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Acquire(ctx, "lock-A", "owner-2", 60*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "unexpired lease stands")

	clock.Advance(61 * time.Second)

	n, err := g.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err = g.Acquire(ctx, "lock-A", "owner-2", 60*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "fresh acquire against an expired lease wins")
}

func TestAcquire_DatabaseErrorSurfaces(t *testing.T) {
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	g := New(s, ident.NewManualClock(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, s.Close())

	ok, err := g.Acquire(context.Background(), "lock-A", "owner-1", 60*time.Second)
	assert.False(t, ok)
	require.Error(t, err, "a broken database is not a held lock")
}

func TestRelease_OwnerMismatch(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "lock-A", "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := g.Release(ctx, "lock-A", "owner-2")
	require.NoError(t, err)
	assert.False(t, released, "release requires matching owner")

	held, err := g.IsHeld(ctx, "lock-A")
	require.NoError(t, err)
	assert.True(t, held)

	released, err = g.Release(ctx, "lock-A", "owner-1")
	require.NoError(t, err)
	assert.True(t, released)

	held, err = g.IsHeld(ctx, "lock-A")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestExtend(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "lock-A", "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := g.Extend(ctx, "lock-A", "owner-1", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	clock.Advance(5 * time.Minute)
	held, err := g.IsHeld(ctx, "lock-A")
	require.NoError(t, err)
	assert.True(t, held, "extended lease still held past the original TTL")

	extended, err = g.Extend(ctx, "lock-A", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended, "extend requires matching owner")
}

func TestReapExpired_Idempotent(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := g.Acquire(ctx, fmt.Sprintf("lock-%d", i), "owner", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	clock.Advance(2 * time.Second)

	n, err := g.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = g.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second reap with the same cutoff removes nothing")
}
