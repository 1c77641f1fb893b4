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

// Package sched provides cron and interval based triggering of
// operations and workflows, coordinated across instances through
// database locks.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/log"
	"github.com/spinedata/spine/internal/metrics"
)

// Submitter hands a due schedule's target to the execution side. It
// returns the identifier of whatever was started.
type Submitter interface {
	Trigger(ctx context.Context, sched *Schedule, scheduledAt time.Time) (string, error)
}

// SubmitterFunc adapts a function to the Submitter interface.
type SubmitterFunc func(ctx context.Context, sched *Schedule, scheduledAt time.Time) (string, error)

func (f SubmitterFunc) Trigger(ctx context.Context, sched *Schedule, scheduledAt time.Time) (string, error) {
	return f(ctx, sched, scheduledAt)
}

// Config tunes the scheduler loop.
type Config struct {
	// TickInterval is the poll cadence.
	TickInterval time.Duration
	// LockTTL bounds how long a claimed schedule stays held if the
	// instance dies mid-emission.
	LockTTL time.Duration
	// InstanceID identifies this scheduler in schedule_locks. Defaults
	// to a fresh id.
	InstanceID string
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		LockTTL:      time.Minute,
	}
}

// Scheduler drives due schedules into the submitter.
type Scheduler struct {
	store     *Store
	submitter Submitter
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     ident.Clock

	draining atomic.Bool
	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
}

// New creates a scheduler. metrics may be nil.
func New(st *Store, submitter Submitter, cfg Config, m *metrics.Metrics, logger *slog.Logger, clock ident.Clock) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = ident.NewID()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Scheduler{
		store:     st,
		submitter: submitter,
		cfg:       cfg,
		logger:    log.WithComponent(logger, "scheduler"),
		metrics:   m,
		clock:     clock,
	}
}

// Start launches the tick loop. Idempotent while running.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	s.logger.Info("scheduler started", "instance", s.cfg.InstanceID)
}

// Stop halts the loop and waits for the in-progress tick.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
	s.logger.Info("scheduler stopped", log.EventKey, "scheduler_shutdown")
}

// SetDraining suppresses new emissions during shutdown. Due schedules
// keep their next_run_at and fire after the drain ends elsewhere.
func (s *Scheduler) SetDraining(draining bool) {
	s.draining.Store(draining)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick claims every due schedule and emits or skips each one. Exported
// so tests and the CLI can drive the loop manually.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SchedulerTicks.Inc()
	}
	if s.draining.Load() {
		return
	}

	claimed, err := s.store.ClaimDue(ctx, s.cfg.InstanceID, s.cfg.LockTTL)
	if err != nil {
		log.Error(s.logger, "claiming due schedules", err)
		return
	}
	for _, sched := range claimed {
		s.emit(ctx, sched)
		if err := s.store.Unlock(ctx, sched.ID, s.cfg.InstanceID); err != nil {
			log.Error(s.logger, "unlocking schedule", err, log.ScheduleKey, sched.Name)
		}
	}
}

// emit fires or skips one claimed schedule and advances its clock.
func (s *Scheduler) emit(ctx context.Context, sched *Schedule) {
	now := s.clock.Now()
	scheduledAt := now
	if sched.NextRunAt != nil {
		scheduledAt = *sched.NextRunAt
	}
	logger := s.logger.With(log.ScheduleKey, sched.Name, "schedule_id", sched.ID)

	fire := true
	if sched.NextRunAt != nil && now.Sub(scheduledAt) > sched.MisfireGrace {
		s.recordRun(ctx, logger, &ScheduleRun{
			ScheduleID:   sched.ID,
			ScheduleName: sched.Name,
			ScheduledAt:  scheduledAt,
			Status:       RunSkipped,
			Reason:       "misfire",
		})
		logger.Warn("schedule misfired", "scheduled_at", scheduledAt, "grace", sched.MisfireGrace)
		if s.metrics != nil {
			s.metrics.SchedulesMisfired.Inc()
		}

		// The backlog stays dropped, but the most recent slot may still
		// sit inside the grace window and owes one emission.
		latest, err := sched.latestSlot(scheduledAt, now)
		switch {
		case err != nil:
			log.Error(logger, "walking missed slots", err)
			fire = false
		case latest.IsZero() || now.Sub(latest) > sched.MisfireGrace:
			fire = false
		default:
			scheduledAt = latest
		}
	}

	if fire {
		run := &ScheduleRun{
			ScheduleID:   sched.ID,
			ScheduleName: sched.Name,
			ScheduledAt:  scheduledAt,
		}
		executionID, err := s.submitter.Trigger(ctx, sched, scheduledAt)
		if err != nil {
			run.Status = RunFailed
			run.Reason = err.Error()
			log.Error(logger, "triggering schedule target", err)
		} else {
			run.Status = RunTriggered
			run.ExecutionID = executionID
			logger.Info("schedule fired", log.ExecutionIDKey, executionID)
			if s.metrics != nil {
				s.metrics.SchedulesFired.Inc()
			}
		}
		s.recordRun(ctx, logger, run)
	}

	// next_run_at advances from now in every branch so a misfired cron
	// lands on its next future slot rather than replaying the backlog.
	stamped := *sched
	stamped.LastRunAt = &now
	next, err := stamped.NextAfter(now)
	if err != nil {
		log.Error(logger, "computing next run", err)
		return
	}
	if err := s.store.MarkRun(ctx, sched.ID, now, next); err != nil {
		log.Error(logger, "stamping schedule", err)
	}
}

func (s *Scheduler) recordRun(ctx context.Context, logger *slog.Logger, run *ScheduleRun) {
	if err := s.store.RecordRun(ctx, run); err != nil {
		log.Error(logger, "recording schedule run", err)
	}
}
