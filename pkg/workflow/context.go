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

package workflow

import (
	"time"
)

// ExecutionContext carries the run's correlation identifiers.
type ExecutionContext struct {
	ExecutionID string `json:"execution_id,omitempty"`
	BatchID     string `json:"batch_id,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
}

// Context is the immutable snapshot that flows step to step. Mutation
// methods return new snapshots; the runner owns the current reference and
// publishes a fresh one after each step.
type Context struct {
	RunID        string
	WorkflowName string
	Params       map[string]any
	Outputs      map[string]map[string]any
	Partition    string
	Execution    ExecutionContext
	StartedAt    time.Time
	Metadata     map[string]any
}

// WithOutput returns a snapshot with the step's output recorded.
func (c Context) WithOutput(stepName string, output map[string]any) Context {
	next := c
	next.Outputs = make(map[string]map[string]any, len(c.Outputs)+1)
	for k, v := range c.Outputs {
		next.Outputs[k] = v
	}
	next.Outputs[stepName] = output
	return next
}

// WithParams returns a snapshot with updates shallow-merged over Params.
func (c Context) WithParams(updates map[string]any) Context {
	next := c
	next.Params = make(map[string]any, len(c.Params)+len(updates))
	for k, v := range c.Params {
		next.Params[k] = v
	}
	for k, v := range updates {
		next.Params[k] = v
	}
	return next
}

// WithMetadata returns a snapshot with updates shallow-merged over
// Metadata.
func (c Context) WithMetadata(updates map[string]any) Context {
	next := c
	next.Metadata = make(map[string]any, len(c.Metadata)+len(updates))
	for k, v := range c.Metadata {
		next.Metadata[k] = v
	}
	for k, v := range updates {
		next.Metadata[k] = v
	}
	return next
}

// DryRun reports whether the run is marked dry_run in metadata.
func (c Context) DryRun() bool {
	v, ok := c.Metadata["dry_run"].(bool)
	return ok && v
}
