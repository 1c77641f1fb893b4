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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// ConfigSource yields the current adapter configuration bytes.
type ConfigSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// ConfigSourceFunc adapts a function to the ConfigSource interface.
type ConfigSourceFunc func(ctx context.Context) ([]byte, error)

func (f ConfigSourceFunc) Fetch(ctx context.Context) ([]byte, error) { return f(ctx) }

// AdapterFactory rebuilds an inner adapter from configuration bytes.
type AdapterFactory func(config []byte) (Adapter, error)

// HotReload wraps an adapter and a config source. When the poll interval
// has elapsed at the next delegated call, it refetches the configuration
// and, on hash change, swaps in a freshly built inner adapter. In-flight
// operations keep the adapter they started with.
type HotReload struct {
	source   ConfigSource
	factory  AdapterFactory
	interval time.Duration

	mu        sync.Mutex
	inner     Adapter
	lastHash  string
	lastCheck time.Time
	now       func() time.Time
}

// NewHotReload builds the wrapper and constructs the initial inner adapter
// from the source's current configuration.
func NewHotReload(ctx context.Context, source ConfigSource, factory AdapterFactory, interval time.Duration) (*HotReload, error) {
	config, err := source.Fetch(ctx)
	if err != nil {
		return nil, NewJobErrorf("hot-reload", ErrRuntimeUnavailable, "fetching initial config: %v", err)
	}
	inner, err := factory(config)
	if err != nil {
		return nil, err
	}
	h := &HotReload{
		source:   source,
		factory:  factory,
		interval: interval,
		inner:    inner,
		lastHash: hashConfig(config),
		now:      time.Now,
	}
	h.lastCheck = h.now()
	return h, nil
}

// adapter returns the inner adapter, reloading it first if the poll
// interval elapsed and the configuration hash changed. A failed refetch or
// rebuild keeps the current adapter.
func (h *HotReload) adapter(ctx context.Context) Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.now().Sub(h.lastCheck) >= h.interval {
		h.lastCheck = h.now()
		if config, err := h.source.Fetch(ctx); err == nil {
			if hash := hashConfig(config); hash != h.lastHash {
				if rebuilt, err := h.factory(config); err == nil {
					h.inner = rebuilt
					h.lastHash = hash
				}
			}
		}
	}
	return h.inner
}

func (h *HotReload) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inner.Name()
}

func (h *HotReload) Capabilities() Capabilities {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inner.Capabilities()
}

func (h *HotReload) Constraints() Constraints {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inner.Constraints()
}

func (h *HotReload) Submit(ctx context.Context, spec *JobSpec) (string, error) {
	return h.adapter(ctx).Submit(ctx, spec)
}

func (h *HotReload) Status(ctx context.Context, externalRef string) (*JobStatus, error) {
	return h.adapter(ctx).Status(ctx, externalRef)
}

func (h *HotReload) Cancel(ctx context.Context, externalRef string) (bool, error) {
	return h.adapter(ctx).Cancel(ctx, externalRef)
}

func (h *HotReload) Logs(ctx context.Context, externalRef string) (<-chan string, error) {
	return h.adapter(ctx).Logs(ctx, externalRef)
}

func (h *HotReload) Cleanup(ctx context.Context, externalRef string) error {
	return h.adapter(ctx).Cleanup(ctx, externalRef)
}

func (h *HotReload) Health(ctx context.Context) Health {
	return h.adapter(ctx).Health(ctx)
}

func hashConfig(config []byte) string {
	sum := sha256.Sum256(config)
	return hex.EncodeToString(sum[:])
}

var _ Adapter = (*HotReload)(nil)
