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
	"fmt"
	"sync"
	"time"
)

// Stub is a fully controllable in-memory adapter. Tests flip the Fail*
// flags to inject failures and read the call counters to assert dispatch
// behaviour. With AutoSucceed set, submitted jobs are immediately terminal.
type Stub struct {
	AdapterName string
	Caps        Capabilities
	Limits      Constraints

	AutoSucceed bool
	FailSubmit  bool
	FailCancel  bool
	FailHealth  bool

	mu           sync.Mutex
	SubmitCount  int
	CancelCount  int
	CleanupCount int
	jobs         map[string]*JobStatus
	logs         map[string][]string
	byIdemKey    map[string]string
	seq          int
}

// NewStub creates a stub adapter with permissive capabilities.
func NewStub(name string) *Stub {
	return &Stub{
		AdapterName: name,
		Caps: Capabilities{
			SupportsGPU:            true,
			SupportsVolumes:        true,
			SupportsSidecars:       true,
			SupportsInitContainers: true,
			SupportsLogStreaming:   true,
			SupportsArtifacts:      true,
		},
		AutoSucceed: true,
		jobs:        make(map[string]*JobStatus),
		logs:        make(map[string][]string),
		byIdemKey:   make(map[string]string),
	}
}

func (s *Stub) Name() string               { return s.AdapterName }
func (s *Stub) Capabilities() Capabilities { return s.Caps }
func (s *Stub) Constraints() Constraints   { return s.Limits }

func (s *Stub) Submit(ctx context.Context, spec *JobSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.IdempotencyKey != "" {
		if ref, ok := s.byIdemKey[spec.IdempotencyKey]; ok {
			return ref, nil
		}
	}

	s.SubmitCount++
	if s.FailSubmit {
		return "", NewJobError(s.AdapterName, ErrRuntimeUnavailable, "submit failure injected")
	}

	s.seq++
	ref := fmt.Sprintf("%s-job-%d", s.AdapterName, s.seq)
	now := time.Now().UTC()
	status := &JobStatus{State: StatePending, StartedAt: &now}
	if s.AutoSucceed {
		zero := 0
		completed := now
		status.State = StateSucceeded
		status.ExitCode = &zero
		status.CompletedAt = &completed
	}
	s.jobs[ref] = status
	s.logs[ref] = []string{fmt.Sprintf("job %s accepted", spec.Name)}
	if spec.IdempotencyKey != "" {
		s.byIdemKey[spec.IdempotencyKey] = ref
	}
	return ref, nil
}

func (s *Stub) Status(ctx context.Context, externalRef string) (*JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.jobs[externalRef]
	if !ok {
		return nil, NewJobErrorf(s.AdapterName, ErrNotFound, "job %q not found", externalRef)
	}
	copied := *status
	return &copied, nil
}

func (s *Stub) Cancel(ctx context.Context, externalRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCount++
	if s.FailCancel {
		return false, NewJobError(s.AdapterName, ErrInternal, "cancel failure injected")
	}
	status, ok := s.jobs[externalRef]
	if !ok || status.State.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	status.State = StateCancelled
	status.CompletedAt = &now
	return true, nil
}

func (s *Stub) Logs(ctx context.Context, externalRef string) (<-chan string, error) {
	s.mu.Lock()
	lines, ok := s.logs[externalRef]
	s.mu.Unlock()
	if !ok {
		return nil, NewJobErrorf(s.AdapterName, ErrNotFound, "job %q not found", externalRef)
	}
	ch := make(chan string, len(lines))
	for _, line := range lines {
		ch <- line
	}
	close(ch)
	return ch, nil
}

func (s *Stub) Cleanup(ctx context.Context, externalRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CleanupCount++
	delete(s.jobs, externalRef)
	delete(s.logs, externalRef)
	return nil
}

func (s *Stub) Health(ctx context.Context) Health {
	if s.FailHealth {
		return Health{Healthy: false, Message: "health failure injected"}
	}
	return Health{Healthy: true, Message: "ok"}
}

// SetJobState forces a submitted job into a given state. Test hook.
func (s *Stub) SetJobState(externalRef string, state JobState, exitCode int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.jobs[externalRef]
	if !ok {
		status = &JobStatus{}
		s.jobs[externalRef] = status
	}
	status.State = state
	status.Message = message
	if state.Terminal() {
		code := exitCode
		now := time.Now().UTC()
		status.ExitCode = &code
		status.CompletedAt = &now
	}
}

// AppendLog adds a log line for a job. Test hook.
func (s *Stub) AppendLog(externalRef, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[externalRef] = append(s.logs[externalRef], line)
}

var _ Adapter = (*Stub)(nil)
