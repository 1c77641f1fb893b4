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

// Package dispatch claims pending executions from the ledger and runs
// their handlers under a bounded worker pool.
package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/spinedata/spine/pkg/errors"
)

// Handler executes one claimed operation. The returned map is serialised
// as the execution's result.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// DefaultKind is assumed when an operation identifier has no kind prefix.
const DefaultKind = "task"

// ParseOperationID splits an operation identifier into kind and name.
// Unprefixed identifiers default to the task kind.
func ParseOperationID(id string) (kind, name string) {
	if before, after, found := strings.Cut(id, ":"); found {
		return before, after
	}
	return DefaultKind, id
}

// Registry maps operation identifiers to handlers. It is written at
// startup and read concurrently by the worker loop.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	fallbacks map[string]Handler
	kinds     map[string]bool
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]Handler),
		fallbacks: make(map[string]Handler),
		kinds:     make(map[string]bool),
	}
}

// Register binds a handler to an operation identifier. Registering the
// same identifier twice is a conflict.
func (r *Registry) Register(id string, handler Handler) error {
	kind, name := ParseOperationID(id)
	if name == "" {
		return errors.New(errors.CategoryValidation, "operation name is required")
	}
	key := kind + ":" + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return errors.Newf(errors.CategoryValidation, "operation %q already registered", key)
	}
	r.handlers[key] = handler
	r.kinds[kind] = true
	return nil
}

// RegisterFallback binds a handler for every identifier of a kind that
// has no exact registration. Container-backed deployments use this to
// route arbitrary task identifiers into job submissions.
func (r *Registry) RegisterFallback(kind string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[kind] = handler
	r.kinds[kind] = true
}

// Resolve returns the handler for an operation identifier. Identifiers of
// a kind no registration ever used are rejected outright.
func (r *Registry) Resolve(id string) (Handler, error) {
	kind, name := ParseOperationID(id)
	key := kind + ":" + name

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.kinds[kind] {
		return nil, errors.Newf(errors.CategoryValidation, "unknown operation kind %q", kind)
	}
	if handler, ok := r.handlers[key]; ok {
		return handler, nil
	}
	if handler, ok := r.fallbacks[kind]; ok {
		return handler, nil
	}
	return nil, errors.NotFound("handler", key)
}

// Operations returns the registered operation identifiers.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		ops = append(ops, key)
	}
	return ops
}
