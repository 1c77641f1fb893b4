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

package errors

import (
	stderrors "errors"
)

// IsRetryable reports whether err (or any error in its tree) is a *Error
// marked retryable. Plain errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CategoryOf returns the category of err, or CategoryUnknown for plain errors.
func CategoryOf(err error) Category {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}

// As finds the first *Error in err's tree.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// Validation creates a non-retryable validation error.
func Validation(message string) *Error {
	return New(CategoryValidation, message)
}

// NotFound creates a non-retryable error for a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(CategoryOperation, "%s not found: %s", resource, id)
}

// Database wraps a storage-layer failure as a retryable database error.
func Database(err error, message string) *Error {
	return Wrap(err, CategoryDatabase, message)
}

// Internal creates a non-retryable internal error.
func Internal(message string) *Error {
	return New(CategoryInternal, message)
}
