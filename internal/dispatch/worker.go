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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/log"
	"github.com/spinedata/spine/internal/metrics"
	"github.com/spinedata/spine/pkg/errors"
)

// Config tunes the worker loop.
type Config struct {
	// PollInterval is the delay between claim attempts.
	PollInterval time.Duration
	// MaxConcurrency bounds the handler pool. Claims are limited to
	// MaxConcurrency minus the current active count.
	MaxConcurrency int
}

// DefaultConfig polls every second with eight workers.
func DefaultConfig() Config {
	return Config{PollInterval: time.Second, MaxConcurrency: 8}
}

// Stats is a snapshot of the worker's counters.
type Stats struct {
	TotalProcessed int64     `json:"total_processed"`
	TotalCompleted int64     `json:"total_completed"`
	TotalFailed    int64     `json:"total_failed"`
	Active         int64     `json:"active"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	MaxConcurrency int       `json:"max_concurrency"`
}

// Worker polls the ledger for pending executions, claims them atomically
// and runs their handlers. It does not retry failures; replay belongs to
// the layers above it.
type Worker struct {
	ledger   *ledger.Ledger
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config

	totalProcessed atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	active         atomic.Int64
	heartbeat      atomic.Int64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	subMu   sync.Mutex
	subs    map[int]chan Notification
	nextSub int

	running  atomic.Bool
	stopCh   chan struct{}
	loopDone chan struct{}
	handlers sync.WaitGroup
}

// NewWorker creates a worker. Nil metrics are replaced with unregistered
// collectors.
func NewWorker(led *ledger.Ledger, registry *Registry, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Worker{
		ledger:   led,
		registry: registry,
		logger:   log.WithComponent(logger, "dispatcher"),
		metrics:  m,
		cfg:      cfg,
		cancels:  make(map[string]context.CancelFunc),
		subs:     make(map[int]chan Notification),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start launches the background poll loop. Call Stop to drain.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.logger.Info("worker starting",
		"poll_interval", w.cfg.PollInterval, "max_concurrency", w.cfg.MaxConcurrency)
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.loopDone)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat.Store(time.Now().UnixNano())
			w.claimBatch(ctx)
		}
	}
}

func (w *Worker) claimBatch(ctx context.Context) {
	batch := w.cfg.MaxConcurrency - int(w.active.Load())
	if batch <= 0 {
		return
	}

	claimed, err := w.ledger.ClaimPending(ctx, batch)
	if err != nil {
		log.Error(w.logger, "claiming pending executions", err)
		return
	}
	for _, exec := range claimed {
		w.metrics.ExecutionsClaimed.Inc()
		w.active.Add(1)
		w.metrics.ActiveHandlers.Inc()
		w.handlers.Add(1)
		go w.run(ctx, exec)
	}
}

func (w *Worker) run(ctx context.Context, exec *ledger.Execution) {
	defer w.handlers.Done()
	defer w.active.Add(-1)
	defer w.metrics.ActiveHandlers.Dec()
	defer w.totalProcessed.Add(1)

	execCtx, cancel := context.WithCancel(withExecution(ctx, exec))
	defer cancel()
	w.mu.Lock()
	w.cancels[exec.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.cancels, exec.ID)
		w.mu.Unlock()
	}()

	logger := w.logger.With(log.ExecutionIDKey, exec.ID, log.WorkflowKey, exec.Workflow)
	w.publish(exec, ledger.StatusRunning)

	handler, err := w.registry.Resolve(exec.Workflow)
	if err != nil {
		w.finish(ctx, exec.ID, ledger.StatusFailed, nil, "no handler: "+err.Error())
		w.totalFailed.Add(1)
		w.metrics.ExecutionsFailed.Inc()
		logger.Warn("no handler registered", log.EventKey, "handler_missing")
		return
	}

	started := time.Now()
	result, err := w.invoke(execCtx, handler, exec.Params)
	duration := time.Since(started)

	switch {
	case execCtx.Err() != nil && ctx.Err() == nil:
		// The per-execution token fired; the handler cooperated.
		w.finish(ctx, exec.ID, ledger.StatusCancelled, nil, "cancelled")
		w.publish(exec, ledger.StatusCancelled)
		w.totalFailed.Add(1)
		logger.Info("handler cancelled", log.DurationKey, duration)
	case err != nil:
		w.finish(ctx, exec.ID, ledger.StatusFailed, nil, err.Error())
		w.publish(exec, ledger.StatusFailed)
		w.totalFailed.Add(1)
		w.metrics.ExecutionsFailed.Inc()
		log.Error(logger, "handler failed", err, log.DurationKey, duration)
	default:
		w.finish(ctx, exec.ID, ledger.StatusCompleted, result, "")
		w.publish(exec, ledger.StatusCompleted)
		w.totalCompleted.Add(1)
		w.metrics.ExecutionsCompleted.Inc()
		logger.Info("handler completed", log.DurationKey, duration)
	}
}

// invoke runs the handler, turning a panic into a failed execution
// instead of taking down the worker process.
func (w *Worker) invoke(ctx context.Context, handler Handler, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Newf(errors.CategoryInternal, "handler panic: %v", r)
		}
	}()
	return handler(ctx, params)
}

func (w *Worker) finish(ctx context.Context, id string, status ledger.Status, result map[string]any, errMsg string) {
	if _, err := w.ledger.FinishClaimed(ctx, id, status, result, errMsg); err != nil {
		log.Error(w.logger, "finishing claimed execution", err, log.ExecutionIDKey, id)
	}
}

// Cancel fires the per-execution cancellation token of a running handler.
// Returns false when the execution is not active on this worker.
func (w *Worker) Cancel(executionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cancel, ok := w.cancels[executionID]
	if ok {
		cancel()
	}
	return ok
}

// Stop halts the poll loop and waits for in-flight handlers to finish, up
// to the context deadline.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	close(w.stopCh)
	<-w.loopDone

	done := make(chan struct{})
	go func() {
		w.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("worker stopped", log.EventKey, "worker_shutdown")
		return nil
	case <-ctx.Done():
		w.logger.Warn("worker stop timed out with handlers in flight",
			"active", w.active.Load())
		return ctx.Err()
	}
}

// Stats snapshots the worker counters.
func (w *Worker) Stats() Stats {
	var heartbeat time.Time
	if ns := w.heartbeat.Load(); ns > 0 {
		heartbeat = time.Unix(0, ns)
	}
	return Stats{
		TotalProcessed: w.totalProcessed.Load(),
		TotalCompleted: w.totalCompleted.Load(),
		TotalFailed:    w.totalFailed.Load(),
		Active:         w.active.Load(),
		LastHeartbeat:  heartbeat,
		MaxConcurrency: w.cfg.MaxConcurrency,
	}
}
