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
	"sort"
	"sync"
)

// Router holds registered adapters indexed by name plus a designated
// default. Selection looks only at the runtime name, never at spec
// contents.
type Router struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	defaultName string
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. The first registration
// becomes the default until SetDefault overrides it.
func (r *Router) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
	if r.defaultName == "" {
		r.defaultName = adapter.Name()
	}
}

// SetDefault designates the adapter used when no runtime is named.
func (r *Router) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return NewJobErrorf(name, ErrNotFound, "runtime %q not registered", name)
	}
	r.defaultName = name
	return nil
}

// Resolve returns the adapter for the given runtime name, or the default
// when the name is empty.
func (r *Router) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, NewJobErrorf(name, ErrNotFound, "runtime %q not registered", name)
	}
	return adapter, nil
}

// Names returns the registered runtime names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultName returns the name of the default adapter.
func (r *Router) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}
