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

package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return ledger.New(s, nil)
}

func waitForStatus(t *testing.T, led *ledger.Ledger, id string, want ledger.Status, within time.Duration) *ledger.Execution {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		exec, err := led.GetExecution(context.Background(), id)
		require.NoError(t, err)
		if exec != nil && exec.Status == want {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached %s", id, want)
	return nil
}

func TestParseOperationID(t *testing.T) {
	kind, name := ParseOperationID("task:echo")
	assert.Equal(t, "task", kind)
	assert.Equal(t, "echo", name)

	kind, name = ParseOperationID("echo")
	assert.Equal(t, DefaultKind, kind)
	assert.Equal(t, "echo", name)

	kind, name = ParseOperationID("workflow:daily-load")
	assert.Equal(t, "workflow", kind)
	assert.Equal(t, "daily-load", name)
}

func TestRegistry_UnknownKindRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("task:echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	_, err := r.Resolve("bogus:echo")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))

	_, err = r.Resolve("task:missing")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryOperation, errors.CategoryOf(err))

	handler, err := r.Resolve("echo")
	require.NoError(t, err, "unprefixed identifiers resolve in the task kind")
	assert.NotNil(t, handler)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, params map[string]any) (map[string]any, error) { return nil, nil }

	require.NoError(t, r.Register("task:echo", noop))
	require.Error(t, r.Register("echo", noop), "task:echo and echo are the same operation")
}

func TestRegistry_FallbackCatchesUnregistered(t *testing.T) {
	r := NewRegistry()
	exact := func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"handler": "exact"}, nil
	}
	catchAll := func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"handler": "fallback"}, nil
	}
	require.NoError(t, r.Register("task:echo", exact))
	r.RegisterFallback("task", catchAll)

	handler, err := r.Resolve("task:echo")
	require.NoError(t, err)
	out, _ := handler(context.Background(), nil)
	assert.Equal(t, "exact", out["handler"], "exact registrations win over the fallback")

	handler, err = r.Resolve("task:anything-else")
	require.NoError(t, err)
	out, _ = handler(context.Background(), nil)
	assert.Equal(t, "fallback", out["handler"])

	_, err = r.Resolve("workflow:daily")
	require.Error(t, err, "fallback covers only its own kind")
}

func TestExecutionFromContext(t *testing.T) {
	_, ok := ExecutionFromContext(context.Background())
	assert.False(t, ok)

	exec := &ledger.Execution{ID: "exec-1", Workflow: "task:echo"}
	got, ok := ExecutionFromContext(withExecution(context.Background(), exec))
	require.True(t, ok)
	assert.Equal(t, "task:echo", got.Workflow)
}

func TestWorker_SubscribeReceivesLifecycle(t *testing.T) {
	led := newTestLedger(t)
	registry := NewRegistry()
	require.NoError(t, registry.Register("task:echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	w := NewWorker(led, registry, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 2}, nil, nil)
	notifications, unsubscribe := w.Subscribe(8)

	ctx := context.Background()
	w.Start(ctx)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	exec, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:echo", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)
	waitForStatus(t, led, exec.ID, ledger.StatusCompleted, 3*time.Second)

	var statuses []ledger.Status
	for len(statuses) < 2 {
		select {
		case n := <-notifications:
			assert.Equal(t, exec.ID, n.ExecutionID)
			assert.Equal(t, "task:echo", n.Workflow)
			statuses = append(statuses, n.Status)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %v", statuses)
		}
	}
	assert.Equal(t, []ledger.Status{ledger.StatusRunning, ledger.StatusCompleted}, statuses)

	unsubscribe()
	_, open := <-notifications
	assert.False(t, open, "cancel closes the channel")
	unsubscribe() // idempotent
}

func TestWorker_SlowSubscriberDropsOldest(t *testing.T) {
	w := NewWorker(newTestLedger(t), NewRegistry(), Config{}, nil, nil)
	notifications, unsubscribe := w.Subscribe(1)
	defer unsubscribe()

	w.publish(&ledger.Execution{ID: "e1", Workflow: "task:a"}, ledger.StatusRunning)
	w.publish(&ledger.Execution{ID: "e1", Workflow: "task:a"}, ledger.StatusCompleted)

	n := <-notifications
	assert.Equal(t, ledger.StatusCompleted, n.Status, "newest survives, oldest is shed")
	assert.Empty(t, notifications)
}

func TestWorker_SubmitClaimComplete(t *testing.T) {
	led := newTestLedger(t)
	registry := NewRegistry()
	require.NoError(t, registry.Register("task:echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"echo": params["msg"]}, nil
	}))

	w := NewWorker(led, registry, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 2}, nil, nil)
	ctx := context.Background()
	w.Start(ctx)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	exec, err := led.CreateExecution(ctx, &ledger.Execution{
		Workflow: "task:echo",
		Params:   map[string]any{"msg": "hello"},
		Trigger:  ledger.TriggerAPI,
	})
	require.NoError(t, err)

	done := waitForStatus(t, led, exec.ID, ledger.StatusCompleted, 3*time.Second)
	assert.Equal(t, "hello", done.Result["echo"])
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	events, err := led.GetEvents(ctx, exec.ID)
	require.NoError(t, err)
	var types []ledger.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []ledger.EventType{ledger.EventCreated, ledger.EventStarted, ledger.EventCompleted}, types)

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.TotalCompleted)
}

func TestWorker_HandlerErrorFails(t *testing.T) {
	led := newTestLedger(t)
	registry := NewRegistry()
	require.NoError(t, registry.Register("task:boom", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New(errors.CategoryOperation, "upstream unavailable")
	}))

	w := NewWorker(led, registry, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 2}, nil, nil)
	ctx := context.Background()
	w.Start(ctx)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	exec, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:boom", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)

	failed := waitForStatus(t, led, exec.ID, ledger.StatusFailed, 3*time.Second)
	assert.Contains(t, failed.Error, "upstream unavailable")
	assert.Zero(t, failed.RetryCount, "the dispatcher never retries on its own")
}

func TestWorker_HandlerPanicFails(t *testing.T) {
	led := newTestLedger(t)
	registry := NewRegistry()
	require.NoError(t, registry.Register("task:explode", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		panic("index out of range")
	}))
	require.NoError(t, registry.Register("task:calm", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))

	w := NewWorker(led, registry, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 2}, nil, nil)
	ctx := context.Background()
	w.Start(ctx)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	exec, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:explode", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)

	failed := waitForStatus(t, led, exec.ID, ledger.StatusFailed, 3*time.Second)
	assert.Contains(t, failed.Error, "handler panic")
	assert.Contains(t, failed.Error, "index out of range")

	// The worker keeps processing after the panic.
	next, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:calm", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)
	waitForStatus(t, led, next.ID, ledger.StatusCompleted, 3*time.Second)
}

func TestWorker_MissingHandlerFails(t *testing.T) {
	led := newTestLedger(t)
	registry := NewRegistry()
	require.NoError(t, registry.Register("task:known", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	w := NewWorker(led, registry, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 2}, nil, nil)
	ctx := context.Background()
	w.Start(ctx)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	exec, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:unknown", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)

	failed := waitForStatus(t, led, exec.ID, ledger.StatusFailed, 3*time.Second)
	assert.Contains(t, failed.Error, "no handler")
}

func TestWorker_ConcurrencyBounded(t *testing.T) {
	led := newTestLedger(t)
	registry := NewRegistry()

	var current, peak atomic.Int64
	release := make(chan struct{})
	require.NoError(t, registry.Register("task:slow", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer current.Add(-1)
		<-release
		return nil, nil
	}))

	w := NewWorker(led, registry, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 2}, nil, nil)
	ctx := context.Background()
	w.Start(ctx)
	t.Cleanup(func() { close(release); _ = w.Stop(context.Background()) })

	var ids []string
	for i := 0; i < 5; i++ {
		exec, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:slow", Trigger: ledger.TriggerAPI})
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && current.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int64(2), "pool never exceeds max_concurrency")
	assert.Equal(t, int64(2), w.Stats().Active)
}

func TestWorker_CooperativeCancel(t *testing.T) {
	led := newTestLedger(t)
	registry := NewRegistry()
	started := make(chan struct{})
	require.NoError(t, registry.Register("task:wait", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	w := NewWorker(led, registry, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 1}, nil, nil)
	ctx := context.Background()
	w.Start(ctx)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	exec, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:wait", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)

	<-started
	require.True(t, w.Cancel(exec.ID))

	cancelled := waitForStatus(t, led, exec.ID, ledger.StatusCancelled, 3*time.Second)
	assert.Equal(t, ledger.StatusCancelled, cancelled.Status)

	assert.False(t, w.Cancel(exec.ID), "finished executions are no longer active")
}

func TestWorker_StopDrains(t *testing.T) {
	led := newTestLedger(t)
	registry := NewRegistry()
	require.NoError(t, registry.Register("task:brief", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		time.Sleep(50 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	}))

	w := NewWorker(led, registry, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 2}, nil, nil)
	ctx := context.Background()
	w.Start(ctx)

	exec, err := led.CreateExecution(ctx, &ledger.Execution{Workflow: "task:brief", Trigger: ledger.TriggerAPI})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e, err := led.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		if e.Status != ledger.StatusPending {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	final, err := led.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, final.Status, "in-flight handlers finish before stop returns")
}
