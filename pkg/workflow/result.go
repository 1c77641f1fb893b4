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

// ErrorCategory classifies a step failure.
type ErrorCategory string

const (
	ErrInternal      ErrorCategory = "INTERNAL"
	ErrDataQuality   ErrorCategory = "DATA_QUALITY"
	ErrTransient     ErrorCategory = "TRANSIENT"
	ErrTimeout       ErrorCategory = "TIMEOUT"
	ErrDependency    ErrorCategory = "DEPENDENCY"
	ErrConfiguration ErrorCategory = "CONFIGURATION"
)

// QualityMetrics carries data-quality figures a step reports.
type QualityMetrics struct {
	RecordCount int64              `json:"record_count"`
	ValidCount  int64              `json:"valid_count"`
	NullCount   int64              `json:"null_count"`
	ValidRate   float64            `json:"valid_rate"`
	Custom      map[string]float64 `json:"custom,omitempty"`
	Pass        bool               `json:"pass"`
}

// StepResult is the envelope every step execution is coerced into.
type StepResult struct {
	Success        bool            `json:"success"`
	Output         map[string]any  `json:"output,omitempty"`
	ContextUpdates map[string]any  `json:"context_updates,omitempty"`
	Quality        *QualityMetrics `json:"quality,omitempty"`
	Error          string          `json:"error,omitempty"`
	Category       ErrorCategory   `json:"category,omitempty"`
	Events         []string        `json:"events,omitempty"`
	// NextStep names the branch a CHOICE step selected.
	NextStep string `json:"next_step,omitempty"`
}

// OK builds a successful result.
func OK(output map[string]any) *StepResult {
	return &StepResult{Success: true, Output: output}
}

// Fail builds a failed result.
func Fail(category ErrorCategory, message string) *StepResult {
	return &StepResult{Success: false, Category: category, Error: message}
}

// ValueKey wraps bare primitives returned by handlers.
const ValueKey = "value"

// FromValue coerces an arbitrary handler return into a StepResult:
// results pass through, nil is an empty success, maps become output,
// booleans become the success flag, and anything else is wrapped under
// the value key.
func FromValue(v any) *StepResult {
	switch value := v.(type) {
	case *StepResult:
		if value == nil {
			return OK(nil)
		}
		return value
	case StepResult:
		return &value
	case nil:
		return OK(nil)
	case map[string]any:
		return OK(value)
	case bool:
		if value {
			return OK(nil)
		}
		return Fail(ErrInternal, "step reported failure")
	default:
		return OK(map[string]any{ValueKey: value})
	}
}
