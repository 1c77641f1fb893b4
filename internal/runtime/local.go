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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/spinedata/spine/internal/ident"
)

// LocalProcess runs jobs as subprocesses on the host. The image field of a
// spec is documentation only. Cancel sends SIGTERM and escalates to SIGKILL
// after the grace period.
type LocalProcess struct {
	WorkingDir string
	Grace      time.Duration

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	cmd *exec.Cmd

	mu          sync.Mutex
	lines       []string
	state       JobState
	exitCode    *int
	message     string
	startedAt   time.Time
	completedAt *time.Time
	done        chan struct{}
}

// NewLocalProcess creates a local process adapter with a 10s kill grace.
func NewLocalProcess() *LocalProcess {
	return &LocalProcess{Grace: 10 * time.Second, jobs: make(map[string]*localJob)}
}

func (l *LocalProcess) Name() string { return "local" }

func (l *LocalProcess) Capabilities() Capabilities {
	return Capabilities{SupportsLogStreaming: true}
}

func (l *LocalProcess) Constraints() Constraints { return Constraints{} }

func (l *LocalProcess) Submit(ctx context.Context, spec *JobSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", NewJobError(l.Name(), ErrValidation, "command is required")
	}

	argv := append(append([]string{}, spec.Command...), spec.Args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	if l.WorkingDir != "" {
		cmd.Dir = l.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Own process group so termination reaches the whole job.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", NewJobErrorf(l.Name(), ErrInternal, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", NewJobErrorf(l.Name(), ErrInternal, "stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return "", NewJobErrorf(l.Name(), ErrRuntimeUnavailable, "starting process: %v", err)
	}

	job := &localJob{
		cmd:       cmd,
		state:     StateRunning,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	ref := ident.NewID()

	l.mu.Lock()
	l.jobs[ref] = job
	l.mu.Unlock()

	var readers sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		readers.Add(1)
		go func(r io.Reader) {
			defer readers.Done()
			scanner := bufio.NewScanner(r)
			for scanner.Scan() {
				job.mu.Lock()
				job.lines = append(job.lines, scanner.Text())
				job.mu.Unlock()
			}
		}(r)
	}

	go func() {
		readers.Wait()
		err := cmd.Wait()
		now := time.Now().UTC()

		job.mu.Lock()
		defer job.mu.Unlock()
		job.completedAt = &now
		code := cmd.ProcessState.ExitCode()
		job.exitCode = &code
		switch {
		case job.state == StateCancelled:
			// Terminal state already decided by Cancel.
		case err != nil:
			job.state = StateFailed
			job.message = err.Error()
		default:
			job.state = StateSucceeded
		}
		close(job.done)
	}()

	return ref, nil
}

func (l *LocalProcess) Status(ctx context.Context, externalRef string) (*JobStatus, error) {
	job, err := l.job(externalRef)
	if err != nil {
		return nil, err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	started := job.startedAt
	return &JobStatus{
		State:       job.state,
		ExitCode:    job.exitCode,
		Message:     job.message,
		StartedAt:   &started,
		CompletedAt: job.completedAt,
	}, nil
}

func (l *LocalProcess) Cancel(ctx context.Context, externalRef string) (bool, error) {
	job, err := l.job(externalRef)
	if err != nil {
		return false, err
	}

	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return false, nil
	}
	job.state = StateCancelled
	job.message = "cancelled"
	pid := job.cmd.Process.Pid
	job.mu.Unlock()

	// Negative pid signals the whole process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	go func() {
		select {
		case <-job.done:
		case <-time.After(l.Grace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()

	return true, nil
}

func (l *LocalProcess) Logs(ctx context.Context, externalRef string) (<-chan string, error) {
	job, err := l.job(externalRef)
	if err != nil {
		return nil, err
	}

	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		next := 0
		for {
			job.mu.Lock()
			lines := job.lines[next:]
			next = len(job.lines)
			terminal := job.state.Terminal()
			job.mu.Unlock()

			for _, line := range lines {
				select {
				case ch <- line:
				case <-ctx.Done():
					return
				}
			}
			if terminal {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-job.done:
				// Drain once more on the next iteration.
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	return ch, nil
}

func (l *LocalProcess) Cleanup(ctx context.Context, externalRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.jobs, externalRef)
	return nil
}

func (l *LocalProcess) Health(ctx context.Context) Health {
	return Health{Healthy: true, Message: "ok"}
}

func (l *LocalProcess) job(externalRef string) (*localJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[externalRef]
	if !ok {
		return nil, NewJobErrorf(l.Name(), ErrNotFound, "job %q not found", externalRef)
	}
	return job, nil
}

var _ Adapter = (*LocalProcess)(nil)
