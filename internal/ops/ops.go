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

// Package ops is the typed operations facade over the ledger, dead-letter
// queue, schedules and manifest. Every operation returns a result envelope
// instead of raising; panics are caught and mapped to INTERNAL.
package ops

import (
	"fmt"
	"time"

	"github.com/spinedata/spine/pkg/errors"
)

// ErrorCode classifies an operation failure for callers.
type ErrorCode string

const (
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeInternal         ErrorCode = "INTERNAL"
)

// OpError is the structured error carried in a failed result.
type OpError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Context carries per-call settings into an operation.
type Context struct {
	// Caller identifies who invoked the operation, recorded in audit
	// fields such as resolved_by.
	Caller string
	// DryRun validates and reports without mutating.
	DryRun bool
}

// Result is the envelope every operation returns.
type Result[T any] struct {
	Success   bool           `json:"success"`
	Data      T              `json:"data,omitempty"`
	Error     *OpError       `json:"error,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Page wraps a listing with its pagination envelope.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// run executes fn under the never-raise contract and stamps elapsed time.
func run[T any](name string, fn func() (T, error)) (result Result[T]) {
	started := time.Now()
	defer func() {
		result.ElapsedMS = time.Since(started).Milliseconds()
		if r := recover(); r != nil {
			result = Result[T]{
				Error:     &OpError{Code: CodeInternal, Message: fmt.Sprintf("%s panicked: %v", name, r)},
				ElapsedMS: time.Since(started).Milliseconds(),
			}
		}
	}()

	data, err := fn()
	if err != nil {
		result.Error = classify(err)
		return result
	}
	result.Success = true
	result.Data = data
	return result
}

// classify maps an internal error onto the facade's code space.
func classify(err error) *OpError {
	if opErr, ok := err.(*OpError); ok {
		return opErr
	}
	code := CodeInternal
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation, errors.CategoryParse:
		code = CodeValidationFailed
	}
	return &OpError{Code: code, Message: err.Error()}
}

func notFound(resource, id string) *OpError {
	return &OpError{Code: CodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

func conflict(format string, args ...any) *OpError {
	return &OpError{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) *OpError {
	return &OpError{Code: CodeValidationFailed, Message: fmt.Sprintf(format, args...)}
}
