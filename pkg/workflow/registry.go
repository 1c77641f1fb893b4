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
	"sort"
	"sync"

	"github.com/spinedata/spine/pkg/errors"
)

// Registry holds workflow definitions by name. Written at startup, read
// concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Workflow
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Workflow)}
}

// Register validates the workflow graph and stores the definition.
// Re-registering a name replaces the prior definition.
func (r *Registry) Register(wf *Workflow) error {
	if wf.Name == "" {
		return errors.New(errors.CategoryValidation, "workflow name is required")
	}
	if len(wf.Steps) == 0 {
		return errors.Newf(errors.CategoryValidation, "workflow %q has no steps", wf.Name)
	}
	if _, err := Plan(wf, nil, nil); err != nil {
		return errors.Wrapf(err, errors.CategoryValidation, "workflow %q is not plannable", wf.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[wf.Name] = wf
	return nil
}

// Get returns the named workflow, or nil.
func (r *Registry) Get(name string) *Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// List returns all registered workflows sorted by name.
func (r *Registry) List() []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workflows := make([]*Workflow, 0, len(r.byName))
	for _, wf := range r.byName {
		workflows = append(workflows, wf)
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })
	return workflows
}
