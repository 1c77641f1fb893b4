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

package runtime

import (
	"fmt"
	"strings"
)

// Validate checks a spec against an adapter's capabilities and constraints.
// All violations are collected, not just the first.
func Validate(spec *JobSpec, adapter Adapter) []string {
	caps := adapter.Capabilities()
	limits := adapter.Constraints()
	var violations []string

	if spec.Resources.GPU > 0 && !caps.SupportsGPU {
		violations = append(violations, fmt.Sprintf("runtime %q does not support GPU", adapter.Name()))
	}
	if len(spec.Volumes) > 0 && !caps.SupportsVolumes {
		violations = append(violations, fmt.Sprintf("runtime %q does not support volumes", adapter.Name()))
	}
	if len(spec.Sidecars) > 0 && !caps.SupportsSidecars {
		violations = append(violations, fmt.Sprintf("runtime %q does not support sidecars", adapter.Name()))
	}
	if len(spec.InitContainers) > 0 && !caps.SupportsInitContainers {
		violations = append(violations, fmt.Sprintf("runtime %q does not support init containers", adapter.Name()))
	}

	if limits.MaxTimeoutSeconds > 0 && spec.TimeoutSeconds > limits.MaxTimeoutSeconds {
		violations = append(violations, fmt.Sprintf(
			"timeout %ds exceeds runtime maximum %ds", spec.TimeoutSeconds, limits.MaxTimeoutSeconds))
	}
	if limits.MaxEnvCount > 0 && len(spec.Env) > limits.MaxEnvCount {
		violations = append(violations, fmt.Sprintf(
			"env count %d exceeds runtime maximum %d", len(spec.Env), limits.MaxEnvCount))
	}
	if limits.MaxLabelCount > 0 && len(spec.Labels) > limits.MaxLabelCount {
		violations = append(violations, fmt.Sprintf(
			"label count %d exceeds runtime maximum %d", len(spec.Labels), limits.MaxLabelCount))
	}

	// Zero and absent budgets are accepted; only negative is infeasible.
	if spec.MaxCostUSD != nil && *spec.MaxCostUSD < 0 {
		violations = append(violations, fmt.Sprintf("max_cost_usd %.2f is negative", *spec.MaxCostUSD))
	}

	return violations
}

// ValidateOrError returns a non-retryable VALIDATION JobError carrying all
// violations, or nil when the spec is feasible.
func ValidateOrError(spec *JobSpec, adapter Adapter) error {
	violations := Validate(spec, adapter)
	if len(violations) == 0 {
		return nil
	}
	return NewJobError(adapter.Name(), ErrValidation, strings.Join(violations, "; "))
}
