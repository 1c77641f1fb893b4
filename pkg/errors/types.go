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

// Package errors defines the error taxonomy shared across the runtime.
// Every error carries a category, a retryable flag, and optional structured
// context so that higher layers (dispatcher, DLQ, scheduler) can decide
// whether a failure is worth replaying without string matching.
package errors

import (
	"fmt"
	"time"
)

// Category classifies an error by its origin. The retryable flag is a
// property of the individual error, not of the category.
type Category string

const (
	CategoryNetwork       Category = "NETWORK"
	CategoryDatabase      Category = "DATABASE"
	CategoryStorage       Category = "STORAGE"
	CategorySource        Category = "SOURCE"
	CategoryParse         Category = "PARSE"
	CategoryValidation    Category = "VALIDATION"
	CategoryConfig        Category = "CONFIG"
	CategoryAuth          Category = "AUTH"
	CategoryOperation     Category = "OPERATION"
	CategoryOrchestration Category = "ORCHESTRATION"
	CategoryInternal      Category = "INTERNAL"
	CategoryUnknown       Category = "UNKNOWN"
)

// Error is the structured error type used throughout the runtime.
type Error struct {
	// Category classifies the error origin.
	Category Category

	// Message is the human-readable description.
	Message string

	// Retryable indicates whether replaying the failed operation may succeed.
	Retryable bool

	// RetryAfter is an optional hint for how long to wait before a retry.
	RetryAfter time.Duration

	// Cause is the underlying error, if any.
	Cause error

	// Context carries structured fields (operation, workflow, run id, step).
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext returns the error with the given context field set.
// The receiver is mutated; errors are not shared across goroutines
// before they are returned.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an error with the given category and message.
// Retryability defaults to the category's conventional value: transient
// infrastructure categories retry, everything else does not.
func New(category Category, message string) *Error {
	return &Error{
		Category:  category,
		Message:   message,
		Retryable: defaultRetryable(category),
	}
}

// Newf creates an error with a formatted message.
func Newf(category Category, format string, args ...any) *Error {
	return New(category, fmt.Sprintf(format, args...))
}

// Wrap wraps err with a category and message. Returns nil if err is nil.
func Wrap(err error, category Category, message string) *Error {
	if err == nil {
		return nil
	}
	e := New(category, message)
	e.Cause = err
	return e
}

// Wrapf wraps err with a category and formatted message.
func Wrapf(err error, category Category, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, category, fmt.Sprintf(format, args...))
}

func defaultRetryable(category Category) bool {
	switch category {
	case CategoryNetwork, CategoryDatabase, CategoryStorage, CategorySource:
		return true
	default:
		return false
	}
}
