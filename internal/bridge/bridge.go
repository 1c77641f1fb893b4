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

// Package bridge connects workflow pipeline steps to the execution
// engine: each step becomes a container job, submitted and polled to
// completion.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spinedata/spine/internal/engine"
	"github.com/spinedata/spine/internal/log"
	"github.com/spinedata/spine/internal/runtime"
	"github.com/spinedata/spine/pkg/workflow"
)

// EnvParamPrefix is how step parameters reach the container.
const EnvParamPrefix = "SPINE_PARAM_"

// OperationPlaceholder is substituted into the command template.
const OperationPlaceholder = "{operation}"

// Config controls how operations translate into container jobs.
type Config struct {
	// DefaultImage runs operations with no image mapping of their own.
	DefaultImage string
	// Runtime routes jobs to a named adapter. Empty uses the default.
	Runtime string
	// CommandTemplate is the container command; {operation} is replaced
	// with the step's operation id.
	CommandTemplate []string
	// PollInterval is how often job status is checked.
	PollInterval time.Duration
	// DefaultTimeout bounds a step with no timeout of its own.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		CommandTemplate: []string{"spine-cli", "run", OperationPlaceholder},
		PollInterval:    2 * time.Second,
		DefaultTimeout:  time.Hour,
	}
}

// ImageResolver maps an operation id to a container image. Returning ""
// falls back to the configured default image.
type ImageResolver func(operation string) string

// Bridge implements workflow.Runnable over the execution engine.
type Bridge struct {
	engine *engine.Engine
	cfg    Config
	images ImageResolver
	logger *slog.Logger
}

// New creates a bridge. images may be nil when every operation runs the
// default image.
func New(eng *engine.Engine, cfg Config, images ImageResolver, logger *slog.Logger) *Bridge {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if len(cfg.CommandTemplate) == 0 {
		cfg.CommandTemplate = DefaultConfig().CommandTemplate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		engine: eng,
		cfg:    cfg,
		images: images,
		logger: log.WithComponent(logger, "bridge"),
	}
}

var _ workflow.Runnable = (*Bridge)(nil)

// RunOperation submits the operation as a container job and blocks until
// it reaches a terminal state or the step deadline passes.
func (b *Bridge) RunOperation(ctx context.Context, operation string, params map[string]any, wctx workflow.Context) (*workflow.StepResult, error) {
	spec, err := b.BuildSpec(operation, params, wctx)
	if err != nil {
		return nil, err
	}

	submitted, err := b.engine.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	logger := b.logger.With(log.ExecutionIDKey, submitted.ExecutionID, log.RunIDKey, wctx.RunID)
	logger.Info("operation submitted", "operation", operation, log.RuntimeKey, submitted.Runtime)

	status, err := b.awaitTerminal(ctx, submitted.ExecutionID, spec.TimeoutSeconds)
	if err != nil {
		return nil, err
	}
	if status == nil {
		logger.Warn("operation deadline exceeded", "operation", operation)
		if _, cancelErr := b.engine.Cancel(ctx, submitted.ExecutionID); cancelErr != nil {
			log.Error(logger, "cancelling timed out operation", cancelErr)
		}
		return workflow.Fail(workflow.ErrTimeout,
			fmt.Sprintf("operation %s exceeded %ds", operation, spec.TimeoutSeconds)), nil
	}

	return b.fold(operation, submitted, status), nil
}

// BuildSpec translates a step invocation into a job spec.
func (b *Bridge) BuildSpec(operation string, params map[string]any, wctx workflow.Context) (*runtime.JobSpec, error) {
	image := ""
	if b.images != nil {
		image = b.images(operation)
	}
	if image == "" {
		image = b.cfg.DefaultImage
	}
	if image == "" {
		return nil, fmt.Errorf("no image mapped for operation %q and no default image configured", operation)
	}

	env, err := paramEnv(params)
	if err != nil {
		return nil, err
	}
	if wctx.RunID != "" {
		env["SPINE_PARENT_RUN_ID"] = wctx.RunID
	}
	if wctx.Execution.ExecutionID != "" {
		env["SPINE_CORRELATION_ID"] = wctx.Execution.ExecutionID
	}

	command := make([]string, len(b.cfg.CommandTemplate))
	for i, part := range b.cfg.CommandTemplate {
		command[i] = strings.ReplaceAll(part, OperationPlaceholder, operation)
	}

	timeout := int(b.cfg.DefaultTimeout / time.Second)

	labels := map[string]string{
		"spine.operation": operation,
		"spine.workflow":  wctx.WorkflowName,
		"spine.run_id":    wctx.RunID,
	}
	if wctx.Execution.ExecutionID != "" {
		labels["spine.correlation_id"] = wctx.Execution.ExecutionID
	}

	return &runtime.JobSpec{
		Name:           jobName(operation),
		Image:          image,
		Command:        command,
		Env:            env,
		Labels:         labels,
		TimeoutSeconds: timeout,
		Runtime:        b.cfg.Runtime,
	}, nil
}

// awaitTerminal polls until the execution settles. A nil status with a
// nil error means the deadline passed first.
func (b *Bridge) awaitTerminal(ctx context.Context, executionID string, timeoutSeconds int) (*runtime.JobStatus, error) {
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := b.engine.Status(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if status.State.Terminal() {
			return status, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// fold maps the terminal job status to a step result.
func (b *Bridge) fold(operation string, submitted *engine.SubmitResult, status *runtime.JobStatus) *workflow.StepResult {
	output := map[string]any{
		"execution_id":  submitted.ExecutionID,
		"runtime_state": string(status.State),
	}
	if status.ExitCode != nil {
		output["exit_code"] = *status.ExitCode
	}

	switch status.State {
	case runtime.StateSucceeded:
		return workflow.OK(output)
	case runtime.StateCancelled:
		return workflow.Fail(workflow.ErrTransient,
			fmt.Sprintf("operation %s was cancelled", operation))
	default:
		msg := status.Message
		if msg == "" {
			msg = fmt.Sprintf("operation %s failed", operation)
		}
		result := workflow.Fail(workflow.ErrInternal, msg)
		result.Output = output
		return result
	}
}

// paramEnv flattens step parameters into SPINE_PARAM_* variables. Scalars
// pass through as strings, everything else is JSON encoded.
func paramEnv(params map[string]any) (map[string]string, error) {
	env := make(map[string]string, len(params))
	for key, value := range params {
		name := EnvParamPrefix + envKey(key)
		switch v := value.(type) {
		case string:
			env[name] = v
		case nil:
			env[name] = ""
		case bool, int, int64, float64:
			env[name] = fmt.Sprint(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encoding parameter %q: %w", key, err)
			}
			env[name] = string(encoded)
		}
	}
	return env, nil
}

func envKey(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return mapped
}

// jobName derives a container-safe name from the operation id.
func jobName(operation string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r - 'A' + 'a'
		default:
			return '-'
		}
	}, operation)
	return "spine-" + strings.Trim(name, "-")
}
