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

// Package ledger is the durable, idempotent store of executions and their
// append-only event histories. It is the source of truth for what happened;
// every other component references executions by id.
package ledger

import (
	"time"
)

// Status represents an execution's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// statusRank orders statuses in the lifecycle lattice. Transitions must be
// strictly increasing; terminal states all share the top rank.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusQueued:    1,
	StatusRunning:   2,
	StatusCompleted: 3,
	StatusFailed:    3,
	StatusCancelled: 3,
	StatusTimedOut:  3,
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return statusRank[s] == 3
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Trigger identifies what caused an execution to be submitted.
type Trigger string

const (
	TriggerAPI      Trigger = "api"
	TriggerCLI      Trigger = "cli"
	TriggerSchedule Trigger = "schedule"
	TriggerRetry    Trigger = "retry"
	TriggerWorkflow Trigger = "workflow"
	TriggerInternal Trigger = "internal"
)

// Execution is one row in the ledger: a persistent, identified unit of work.
type Execution struct {
	ID             string         `json:"id"`
	Workflow       string         `json:"workflow"`
	Params         map[string]any `json:"params,omitempty"`
	Lane           string         `json:"lane,omitempty"`
	Trigger        Trigger        `json:"trigger_source"`
	LogicalKey     string         `json:"logical_key,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Status         Status         `json:"status"`
	ParentID       string         `json:"parent_execution_id,omitempty"`
	Runtime        string         `json:"runtime,omitempty"`
	ExternalRef    string         `json:"external_ref,omitempty"`
	SpecHash       string         `json:"spec_hash,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	RetryCount     int            `json:"retry_count"`
}

// EventType classifies a lifecycle event. Free-form types are allowed for
// user events recorded by handlers.
type EventType string

const (
	EventCreated   EventType = "created"
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetried   EventType = "retried"
	EventCancelled EventType = "cancelled"
	EventTimedOut  EventType = "timed_out"
)

// Event is an immutable lifecycle record appended to an execution's history.
type Event struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Type        EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// terminalEvent maps a terminal status to its lifecycle event type.
func terminalEvent(s Status) EventType {
	switch s {
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	case StatusCancelled:
		return EventCancelled
	case StatusTimedOut:
		return EventTimedOut
	}
	return EventFailed
}

// Filter narrows ListExecutions results. Zero values match everything.
type Filter struct {
	Workflow      string
	Status        Status
	Lane          string
	Trigger       Trigger
	ParentID      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}
