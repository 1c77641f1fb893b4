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

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spinedata/spine/internal/ops"
)

// Exit codes for the spine command.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitPartial = 2
	ExitConfig  = 3
)

// ExitError is an error that carries an exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// FailureErr wraps an error as a plain failure (exit 1).
func FailureErr(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitFailure, Message: msg, Cause: cause}
}

// PartialErr marks a run where some of the work succeeded (exit 2).
func PartialErr(msg string) *ExitError {
	return &ExitError{Code: ExitPartial, Message: msg}
}

// ConfigErr wraps a configuration problem (exit 3).
func ConfigErr(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Cause: cause}
}

// opErr maps an operations-facade error to an exit error. Validation
// failures are configuration mistakes from the caller's point of view.
func opErr(e *ops.OpError) *ExitError {
	code := ExitFailure
	if e.Code == ops.CodeValidationFailed {
		code = ExitConfig
	}
	return &ExitError{Code: code, Message: e.Message}
}

// HandleExitError prints the error and exits with its code. A nil error
// is a no-op.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(ExitFailure)
}
