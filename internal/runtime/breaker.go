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
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the failure gate around one runtime's calls.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the gate.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count in half-open that
	// closes it again.
	SuccessThreshold uint32
	// RecoveryTimeout is how long the gate stays open before probing.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures and probes after
// 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: 30 * time.Second}
}

// BreakerRegistry keeps one circuit breaker per runtime name so a failing
// backend never denies traffic to healthy ones.
type BreakerRegistry struct {
	config BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry applying config to every runtime.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	return &BreakerRegistry{config: config, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *BreakerRegistry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	threshold := r.config.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.config.SuccessThreshold,
		Timeout:     r.config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the breaker for the named runtime. A rejected
// call (gate open or half-open probe budget spent) surfaces as a retryable
// RUNTIME_UNAVAILABLE error carrying the recovery timeout as retry_after.
func (r *BreakerRegistry) Execute(name string, fn func() (any, error)) (any, error) {
	result, err := r.breaker(name).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		je := NewJobError(name, ErrRuntimeUnavailable, "circuit open: "+err.Error())
		je.RetryAfter = r.config.RecoveryTimeout
		return nil, je
	}
	return result, err
}

// State reports the breaker state for a runtime name.
func (r *BreakerRegistry) State(name string) gobreaker.State {
	return r.breaker(name).State()
}
