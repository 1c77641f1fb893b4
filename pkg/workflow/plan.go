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
	"fmt"
	"strings"
)

// StepNotFoundError reports a pipeline step referencing an unknown
// operation.
type StepNotFoundError struct {
	Step      string
	Operation string
}

func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("step %q references unknown operation %q", e.Step, e.Operation)
}

// DependencyError reports a depends_on entry that names no step.
type DependencyError struct {
	Step       string
	Dependency string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.Step, e.Dependency)
}

// CycleDetectedError carries the actual cycle found in the dependency
// graph.
type CycleDetectedError struct {
	Cycle []string
}

func (e *CycleDetectedError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// PlannedStep is one entry of an ExecutionPlan: the step with its merged
// parameters and its position in topological order.
type PlannedStep struct {
	Name      string
	Operation string
	Step      *Step
	Params    map[string]any
	DependsOn []string
	Order     int
}

// ExecutionPlan is the topologically ordered, parameter-resolved form of
// a workflow.
type ExecutionPlan struct {
	Workflow string
	Steps    []PlannedStep
}

// Plan validates the workflow graph and produces its execution plan.
// knownOperation, when non-nil, is consulted for every pipeline step's
// operation reference. Parameter precedence is defaults < runParams <
// step parameters, merged shallowly.
func Plan(wf *Workflow, runParams map[string]any, knownOperation func(string) bool) (*ExecutionPlan, error) {
	index := make(map[string]int, len(wf.Steps))
	for i := range wf.Steps {
		name := wf.Steps[i].Name
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate step name %q", name)
		}
		index[name] = i
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, &DependencyError{Step: step.Name, Dependency: dep}
			}
		}
		if step.effectiveType() == StepPipeline && knownOperation != nil && !knownOperation(step.Operation) {
			return nil, &StepNotFoundError{Step: step.Name, Operation: step.Operation}
		}
	}

	if cycle := findCycle(wf, index); cycle != nil {
		return nil, &CycleDetectedError{Cycle: cycle}
	}

	order, err := topoSort(wf, index)
	if err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{Workflow: wf.Name}
	for seq, i := range order {
		step := &wf.Steps[i]
		plan.Steps = append(plan.Steps, PlannedStep{
			Name:      step.Name,
			Operation: step.Operation,
			Step:      step,
			Params:    mergeParams(wf.Defaults, runParams, step.Parameters),
			DependsOn: step.DependsOn,
			Order:     seq,
		})
	}
	return plan, nil
}

const (
	white = iota
	grey
	black
)

// findCycle runs a three-colour DFS and returns the members of the first
// cycle encountered, in traversal order.
func findCycle(wf *Workflow, index map[string]int) []string {
	colour := make([]int, len(wf.Steps))
	var stack []string

	var visit func(i int) []string
	visit = func(i int) []string {
		colour[i] = grey
		stack = append(stack, wf.Steps[i].Name)
		for _, dep := range wf.Steps[i].DependsOn {
			j := index[dep]
			switch colour[j] {
			case grey:
				// Slice the stack from the grey node to close the loop.
				for k, name := range stack {
					if name == dep {
						return stack[k:]
					}
				}
			case white:
				if cycle := visit(j); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[i] = black
		return nil
	}

	for i := range wf.Steps {
		if colour[i] == white {
			if cycle := visit(i); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topoSort is Kahn's algorithm, stable with respect to declaration order:
// among ready steps the earliest-declared runs first.
func topoSort(wf *Workflow, index map[string]int) ([]int, error) {
	n := len(wf.Steps)
	indegree := make([]int, n)
	dependants := make([][]int, n)
	for i := range wf.Steps {
		for _, dep := range wf.Steps[i].DependsOn {
			j := index[dep]
			indegree[i]++
			dependants[j] = append(dependants[j], i)
		}
	}

	placed := make([]bool, n)
	order := make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, &CycleDetectedError{Cycle: unplaced(wf, placed)}
		}
		placed[next] = true
		order = append(order, next)
		for _, dep := range dependants[next] {
			indegree[dep]--
		}
	}
	return order, nil
}

func unplaced(wf *Workflow, placed []bool) []string {
	var names []string
	for i, done := range placed {
		if !done {
			names = append(names, wf.Steps[i].Name)
		}
	}
	return names
}

func mergeParams(layers ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}
