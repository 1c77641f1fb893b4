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

// Package metrics exposes the runtime's operational counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors the dispatcher, scheduler and engine feed.
type Metrics struct {
	ExecutionsClaimed   prometheus.Counter
	ExecutionsCompleted prometheus.Counter
	ExecutionsFailed    prometheus.Counter
	ActiveHandlers      prometheus.Gauge
	SchedulerTicks      prometheus.Counter
	SchedulesFired      prometheus.Counter
	SchedulesMisfired   prometheus.Counter
	DeadLettersAdded    prometheus.Counter
	SubmitDuration      prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which suits tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spine", Subsystem: "dispatcher", Name: "executions_claimed_total",
			Help: "Executions atomically claimed by the worker loop.",
		}),
		ExecutionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spine", Subsystem: "dispatcher", Name: "executions_completed_total",
			Help: "Executions whose handler returned successfully.",
		}),
		ExecutionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spine", Subsystem: "dispatcher", Name: "executions_failed_total",
			Help: "Executions whose handler returned an error.",
		}),
		ActiveHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spine", Subsystem: "dispatcher", Name: "active_handlers",
			Help: "Handlers currently running in the worker pool.",
		}),
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spine", Subsystem: "scheduler", Name: "ticks_total",
			Help: "Scheduler tick iterations.",
		}),
		SchedulesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spine", Subsystem: "scheduler", Name: "fired_total",
			Help: "Schedules whose target was submitted.",
		}),
		SchedulesMisfired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spine", Subsystem: "scheduler", Name: "misfired_total",
			Help: "Schedule runs skipped because the grace window passed.",
		}),
		DeadLettersAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spine", Subsystem: "dlq", Name: "added_total",
			Help: "Failures captured in the dead-letter queue.",
		}),
		SubmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spine", Subsystem: "engine", Name: "submit_duration_seconds",
			Help:    "Latency of job submissions through the engine.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ExecutionsClaimed, m.ExecutionsCompleted, m.ExecutionsFailed,
			m.ActiveHandlers, m.SchedulerTicks, m.SchedulesFired,
			m.SchedulesMisfired, m.DeadLettersAdded, m.SubmitDuration,
		)
	}
	return m
}
