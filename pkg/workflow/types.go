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

// Package workflow models multi-step pipelines as data: declared steps
// with dependencies, a planner that orders them, and a runner that
// executes the plan over a pluggable backend.
package workflow

import (
	"time"
)

// StepType discriminates the step variants.
type StepType string

const (
	// StepPipeline delegates to a registered operation by name.
	StepPipeline StepType = "pipeline"
	// StepLambda invokes an in-process handler.
	StepLambda StepType = "lambda"
	// StepChoice branches on a condition expression.
	StepChoice StepType = "choice"
	// StepWait pauses for a duration or until a timestamp.
	StepWait StepType = "wait"
	// StepMap fans out an iterator step over a collection.
	StepMap StepType = "map"
)

// OnError selects how a failure propagates.
type OnError string

const (
	OnErrorStop     OnError = "stop"
	OnErrorContinue OnError = "continue"
)

// RetryPolicy controls per-step retry with exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
}

// Step is one node of a workflow. The Type field selects which variant
// fields apply.
type Step struct {
	Name      string       `yaml:"name" json:"name"`
	Type      StepType     `yaml:"type" json:"type"`
	DependsOn []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	OnError   OnError      `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	Retry     *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Pipeline fields.
	Operation  string         `yaml:"operation,omitempty" json:"operation,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Lambda fields.
	Handler string         `yaml:"handler,omitempty" json:"handler,omitempty"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Choice fields. Then and Else name sibling steps; the unchosen
	// branch and everything depending on it is skipped.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then      string `yaml:"then,omitempty" json:"then,omitempty"`
	Else      string `yaml:"else,omitempty" json:"else,omitempty"`

	// Wait fields.
	WaitSeconds int        `yaml:"wait_seconds,omitempty" json:"wait_seconds,omitempty"`
	WaitUntil   *time.Time `yaml:"wait_until,omitempty" json:"wait_until,omitempty"`

	// Map fields.
	ItemsPath      string `yaml:"items_path,omitempty" json:"items_path,omitempty"`
	Iterator       *Step  `yaml:"iterator,omitempty" json:"iterator,omitempty"`
	MaxConcurrency int    `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// ExecutionMode selects sequential or parallel step dispatch.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// ExecutionPolicy governs a whole run.
type ExecutionPolicy struct {
	Mode           ExecutionMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	MaxConcurrency int           `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
	OnFailure      OnError       `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	TimeoutSeconds int           `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Workflow is a named, versioned pipeline definition.
type Workflow struct {
	Name        string          `yaml:"name" json:"name"`
	Domain      string          `yaml:"domain,omitempty" json:"domain,omitempty"`
	Version     string          `yaml:"version,omitempty" json:"version,omitempty"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step          `yaml:"steps" json:"steps"`
	Defaults    map[string]any  `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Policy      ExecutionPolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
	Tags        []string        `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Step returns the named step, or nil.
func (w *Workflow) Step(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

func (s *Step) effectiveOnError() OnError {
	if s.OnError == "" {
		return OnErrorStop
	}
	return s.OnError
}

// effectiveType treats untyped steps carrying an operation as pipelines.
func (s *Step) effectiveType() StepType {
	if s.Type == "" && s.Operation != "" {
		return StepPipeline
	}
	return s.Type
}
