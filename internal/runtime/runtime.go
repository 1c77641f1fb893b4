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

// Package runtime defines the uniform contract over heterogeneous execution
// backends. An Adapter submits container-shaped jobs, reports their status,
// cancels them, streams their logs, and cleans up after them. The Router
// selects an adapter by name and the Validator rejects infeasible specs
// before any submission.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/spinedata/spine/internal/ident"
)

// JobState is the lifecycle state a backend reports for a submitted job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// JobStatus is the backend's view of a submitted job.
type JobStatus struct {
	State       JobState   `json:"state"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Capabilities are the boolean feature flags a backend advertises.
type Capabilities struct {
	SupportsGPU            bool `json:"supports_gpu"`
	SupportsVolumes        bool `json:"supports_volumes"`
	SupportsSidecars       bool `json:"supports_sidecars"`
	SupportsInitContainers bool `json:"supports_init_containers"`
	SupportsLogStreaming   bool `json:"supports_log_streaming"`
	SupportsArtifacts      bool `json:"supports_artifacts"`
}

// Constraints are the numeric limits a backend enforces. Zero means
// unlimited.
type Constraints struct {
	MaxTimeoutSeconds int     `json:"max_timeout_seconds"`
	MaxEnvCount       int     `json:"max_env_count"`
	MaxLabelCount     int     `json:"max_label_count"`
	MaxMemoryMB       int     `json:"max_memory_mb"`
	MaxCPU            float64 `json:"max_cpu"`
	MaxConcurrentJobs int     `json:"max_concurrent_jobs"`
}

// Resources describes what a job asks of the backend.
type Resources struct {
	CPU      float64 `json:"cpu,omitempty"`
	MemoryMB int     `json:"memory_mb,omitempty"`
	GPU      int     `json:"gpu,omitempty"`
}

// VolumeMount maps a named volume into the job's filesystem.
type VolumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

// ContainerSpec describes an auxiliary container (sidecar or init).
type ContainerSpec struct {
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// JobSpec is the full description of a container-shaped job. Equality for
// dedup purposes is the deterministic hash of the whole spec.
type JobSpec struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Command        []string          `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Resources      Resources         `json:"resources,omitempty"`
	Volumes        []VolumeMount     `json:"volumes,omitempty"`
	Sidecars       []ContainerSpec   `json:"sidecars,omitempty"`
	InitContainers []ContainerSpec   `json:"init_containers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxCostUSD     *float64          `json:"max_cost_usd,omitempty"`
	RetryPolicyRef string            `json:"retry_policy_ref,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Runtime        string            `json:"runtime,omitempty"`
}

// Hash returns the deterministic content hash of the spec.
func (s *JobSpec) Hash() (string, error) {
	return ident.SpecHash(s)
}

// Health is the result of an adapter health probe.
type Health struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Adapter is the uniform contract a runtime backend implements. Submit must
// be idempotent with respect to the spec's idempotency key when one is set.
// Cancel returns false when the job is already terminal or unknown. Cleanup
// is best-effort and idempotent.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Constraints() Constraints
	Submit(ctx context.Context, spec *JobSpec) (string, error)
	Status(ctx context.Context, externalRef string) (*JobStatus, error)
	Cancel(ctx context.Context, externalRef string) (bool, error)
	Logs(ctx context.Context, externalRef string) (<-chan string, error)
	Cleanup(ctx context.Context, externalRef string) error
	Health(ctx context.Context) Health
}

// ErrorCategory classifies an adapter failure.
type ErrorCategory string

const (
	ErrValidation         ErrorCategory = "VALIDATION"
	ErrRuntimeUnavailable ErrorCategory = "RUNTIME_UNAVAILABLE"
	ErrQuotaExceeded      ErrorCategory = "QUOTA_EXCEEDED"
	ErrTimeout            ErrorCategory = "TIMEOUT"
	ErrCancelled          ErrorCategory = "CANCELLED"
	ErrNotFound           ErrorCategory = "NOT_FOUND"
	ErrInternal           ErrorCategory = "INTERNAL"
)

// categoryRetryable is the default retry classification per category.
var categoryRetryable = map[ErrorCategory]bool{
	ErrValidation:         false,
	ErrRuntimeUnavailable: true,
	ErrQuotaExceeded:      false,
	ErrTimeout:            true,
	ErrCancelled:          false,
	ErrNotFound:           false,
	ErrInternal:           true,
}

// JobError is the structured failure an adapter surfaces.
type JobError struct {
	Runtime    string        `json:"runtime"`
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("[%s/%s] %s", e.Runtime, e.Category, e.Message)
}

// NewJobError builds a JobError with the category's default retryability.
func NewJobError(runtime string, category ErrorCategory, message string) *JobError {
	return &JobError{
		Runtime:   runtime,
		Category:  category,
		Message:   message,
		Retryable: categoryRetryable[category],
	}
}

// NewJobErrorf is NewJobError with a formatted message.
func NewJobErrorf(runtime string, category ErrorCategory, format string, args ...any) *JobError {
	return NewJobError(runtime, category, fmt.Sprintf(format, args...))
}

// AsJobError extracts a JobError from err, if it is one.
func AsJobError(err error) (*JobError, bool) {
	je, ok := err.(*JobError)
	return je, ok
}

// IsRetryable reports whether an adapter failure is retryable. Unclassified
// errors are treated as retryable internal failures.
func IsRetryable(err error) bool {
	if je, ok := AsJobError(err); ok {
		return je.Retryable
	}
	return true
}
