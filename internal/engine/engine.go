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

// Package engine fronts the runtime adapter layer with the execution
// ledger: every submission becomes a ledger row before it reaches a
// backend, and later status, cancel, log and cleanup calls resolve the
// adapter from the runtime recorded on that row.
package engine

import (
	"context"
	"log/slog"

	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/log"
	"github.com/spinedata/spine/internal/runtime"
	"github.com/spinedata/spine/pkg/errors"
)

// SubmitResult identifies a submitted job in both the ledger and the
// backend.
type SubmitResult struct {
	ExecutionID string `json:"execution_id"`
	ExternalRef string `json:"external_ref"`
	Runtime     string `json:"runtime"`
	SpecHash    string `json:"spec_hash"`
}

// Engine coordinates router, validator, breaker and ledger for job
// submissions.
type Engine struct {
	router   *runtime.Router
	ledger   *ledger.Ledger
	breakers *runtime.BreakerRegistry
	logger   *slog.Logger
}

// New creates an engine. A nil breaker registry disables the failure gate
// by using default settings.
func New(router *runtime.Router, led *ledger.Ledger, breakers *runtime.BreakerRegistry, logger *slog.Logger) *Engine {
	if breakers == nil {
		breakers = runtime.NewBreakerRegistry(runtime.DefaultBreakerConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		router:   router,
		ledger:   led,
		breakers: breakers,
		logger:   log.WithComponent(logger, "engine"),
	}
}

// Submit validates the spec, dedups on its idempotency key, records a
// pending execution and dispatches to the resolved backend. Repeat calls
// with the same idempotency key return the prior result unchanged.
func (e *Engine) Submit(ctx context.Context, spec *runtime.JobSpec) (*SubmitResult, error) {
	adapter, err := e.router.Resolve(spec.Runtime)
	if err != nil {
		return nil, err
	}
	if err := runtime.ValidateOrError(spec, adapter); err != nil {
		return nil, err
	}
	specHash, err := spec.Hash()
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "hashing job spec")
	}

	if spec.IdempotencyKey != "" {
		prior, err := e.ledger.GetByIdempotencyKey(ctx, spec.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			e.logger.Debug("submit dedup hit",
				log.ExecutionIDKey, prior.ID, "idempotency_key", spec.IdempotencyKey)
			return &SubmitResult{
				ExecutionID: prior.ID,
				ExternalRef: prior.ExternalRef,
				Runtime:     prior.Runtime,
				SpecHash:    prior.SpecHash,
			}, nil
		}
	}

	exec, err := e.ledger.CreateExecution(ctx, &ledger.Execution{
		Workflow:       spec.Name,
		Params:         specParams(spec),
		Trigger:        ledger.TriggerAPI,
		IdempotencyKey: spec.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	// A concurrent submit with the same key may have won the insert race.
	if exec.ExternalRef != "" || exec.Status != ledger.StatusPending {
		return &SubmitResult{
			ExecutionID: exec.ID,
			ExternalRef: exec.ExternalRef,
			Runtime:     exec.Runtime,
			SpecHash:    exec.SpecHash,
		}, nil
	}

	externalRef, err := e.submitThroughBreaker(ctx, adapter, spec)
	if err != nil {
		msg := err.Error()
		if updateErr := e.ledger.UpdateStatus(ctx, exec.ID, ledger.StatusFailed, nil, msg); updateErr != nil {
			log.Error(e.logger, "recording submit failure", updateErr, log.ExecutionIDKey, exec.ID)
		}
		return nil, err
	}

	if err := e.ledger.SetDispatch(ctx, exec.ID, adapter.Name(), externalRef, specHash); err != nil {
		return nil, err
	}

	e.logger.Info("job submitted",
		log.ExecutionIDKey, exec.ID,
		log.RuntimeKey, adapter.Name(),
		"external_ref", externalRef)

	return &SubmitResult{
		ExecutionID: exec.ID,
		ExternalRef: externalRef,
		Runtime:     adapter.Name(),
		SpecHash:    specHash,
	}, nil
}

func (e *Engine) submitThroughBreaker(ctx context.Context, adapter runtime.Adapter, spec *runtime.JobSpec) (string, error) {
	result, err := e.breakers.Execute(adapter.Name(), func() (any, error) {
		return adapter.Submit(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Status reports the backend's view of the execution. Terminal backend
// states are folded back into the ledger so the ledger stays authoritative.
func (e *Engine) Status(ctx context.Context, executionID string) (*runtime.JobStatus, error) {
	exec, adapter, err := e.resolve(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.ExternalRef == "" {
		return ledgerStatus(exec), nil
	}

	status, err := adapter.Status(ctx, exec.ExternalRef)
	if err != nil {
		return nil, err
	}
	e.foldTerminal(ctx, exec, status)
	return status, nil
}

// Cancel cancels the execution. Rows that never reached a backend are
// cancelled in the ledger alone; dispatched rows delegate to the adapter.
func (e *Engine) Cancel(ctx context.Context, executionID string) (bool, error) {
	exec, adapter, err := e.resolve(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}
	if exec.ExternalRef == "" {
		return e.ledger.CancelIfNotStarted(ctx, executionID)
	}

	cancelled, err := adapter.Cancel(ctx, exec.ExternalRef)
	if err != nil {
		return false, err
	}
	if cancelled {
		if err := e.ledger.UpdateStatus(ctx, executionID, ledger.StatusCancelled, nil, ""); err != nil {
			log.Error(e.logger, "recording cancellation", err, log.ExecutionIDKey, executionID)
		}
	}
	return cancelled, nil
}

// Logs streams the execution's log lines from its backend.
func (e *Engine) Logs(ctx context.Context, executionID string) (<-chan string, error) {
	exec, adapter, err := e.resolve(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.ExternalRef == "" {
		return nil, runtime.NewJobErrorf(exec.Runtime, runtime.ErrNotFound,
			"execution %s was never dispatched", executionID)
	}
	return adapter.Logs(ctx, exec.ExternalRef)
}

// Cleanup releases backend resources for the execution. Best-effort.
func (e *Engine) Cleanup(ctx context.Context, executionID string) error {
	exec, adapter, err := e.resolve(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.ExternalRef == "" {
		return nil
	}
	return adapter.Cleanup(ctx, exec.ExternalRef)
}

// ListJobs queries the ledger.
func (e *Engine) ListJobs(ctx context.Context, filter ledger.Filter) ([]*ledger.Execution, int, error) {
	return e.ledger.ListExecutions(ctx, filter)
}

// Health probes one runtime, or all registered runtimes when name is empty.
func (e *Engine) Health(ctx context.Context, name string) (map[string]runtime.Health, error) {
	if name != "" {
		adapter, err := e.router.Resolve(name)
		if err != nil {
			return nil, err
		}
		return map[string]runtime.Health{adapter.Name(): adapter.Health(ctx)}, nil
	}

	report := make(map[string]runtime.Health)
	for _, registered := range e.router.Names() {
		adapter, err := e.router.Resolve(registered)
		if err != nil {
			return nil, err
		}
		report[registered] = adapter.Health(ctx)
	}
	return report, nil
}

func (e *Engine) resolve(ctx context.Context, executionID string) (*ledger.Execution, runtime.Adapter, error) {
	exec, err := e.ledger.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if exec == nil {
		return nil, nil, errors.NotFound("execution", executionID)
	}
	adapter, err := e.router.Resolve(exec.Runtime)
	if err != nil {
		return nil, nil, err
	}
	return exec, adapter, nil
}

// foldTerminal mirrors a terminal backend state onto a non-terminal ledger
// row.
func (e *Engine) foldTerminal(ctx context.Context, exec *ledger.Execution, status *runtime.JobStatus) {
	if !status.State.Terminal() || exec.Status.IsTerminal() {
		return
	}
	var target ledger.Status
	switch status.State {
	case runtime.StateSucceeded:
		target = ledger.StatusCompleted
	case runtime.StateCancelled:
		target = ledger.StatusCancelled
	default:
		target = ledger.StatusFailed
	}
	var result map[string]any
	if status.ExitCode != nil {
		result = map[string]any{"exit_code": *status.ExitCode}
	}
	if err := e.ledger.UpdateStatus(ctx, exec.ID, target, result, status.Message); err != nil {
		log.Error(e.logger, "folding backend status", err, log.ExecutionIDKey, exec.ID)
	}
}

func ledgerStatus(exec *ledger.Execution) *runtime.JobStatus {
	status := &runtime.JobStatus{
		Message:     exec.Error,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
	}
	switch exec.Status {
	case ledger.StatusPending, ledger.StatusQueued:
		status.State = runtime.StatePending
	case ledger.StatusRunning:
		status.State = runtime.StateRunning
	case ledger.StatusCompleted:
		status.State = runtime.StateSucceeded
	case ledger.StatusCancelled:
		status.State = runtime.StateCancelled
	default:
		status.State = runtime.StateFailed
	}
	return status
}

// specParams preserves the submitted spec's identifying fields on the
// ledger row for later inspection.
func specParams(spec *runtime.JobSpec) map[string]any {
	params := map[string]any{"image": spec.Image}
	if len(spec.Command) > 0 {
		params["command"] = spec.Command
	}
	if spec.TimeoutSeconds > 0 {
		params["timeout_seconds"] = spec.TimeoutSeconds
	}
	return params
}
