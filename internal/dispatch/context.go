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

package dispatch

import (
	"context"

	"github.com/spinedata/spine/internal/ledger"
)

type contextKey struct{}

func withExecution(ctx context.Context, exec *ledger.Execution) context.Context {
	return context.WithValue(ctx, contextKey{}, exec)
}

// ExecutionFromContext returns the execution a handler is running for.
// Fallback handlers use it to recover the operation identifier.
func ExecutionFromContext(ctx context.Context) (*ledger.Execution, bool) {
	exec, ok := ctx.Value(contextKey{}).(*ledger.Execution)
	return exec, ok
}
