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
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerAPI is the slice of the Docker SDK this adapter needs. Narrowing
// the client enables fakes in tests.
type DockerAPI interface {
	ContainerCreate(
		ctx context.Context,
		config *containertypes.Config,
		hostConfig *containertypes.HostConfig,
		networkingConfig *networktypes.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]types.Container, error)
}

// Docker runs jobs as containers against a Docker-compatible daemon.
type Docker struct {
	api   DockerAPI
	grace time.Duration
}

// NewDocker creates a Docker adapter over an existing API client.
func NewDocker(api DockerAPI) *Docker {
	return &Docker{api: api, grace: 10 * time.Second}
}

// NewDockerFromEnv connects to the daemon using the standard DOCKER_*
// environment variables.
func NewDockerFromEnv() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, NewJobErrorf("docker", ErrRuntimeUnavailable, "connecting to daemon: %v", err)
	}
	return NewDocker(cli), nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Capabilities() Capabilities {
	return Capabilities{
		SupportsVolumes:      true,
		SupportsLogStreaming: true,
	}
}

func (d *Docker) Constraints() Constraints { return Constraints{} }

func (d *Docker) Submit(ctx context.Context, spec *JobSpec) (string, error) {
	if spec.Image == "" {
		return "", NewJobError(d.Name(), ErrValidation, "image is required")
	}

	// Best effort; the image may already be present locally.
	if reader, err := d.api.ImagePull(ctx, spec.Image, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	config := &containertypes.Config{
		Image:  spec.Image,
		Env:    flattenEnv(spec.Env),
		Labels: spec.Labels,
	}
	if len(spec.Command) > 0 {
		config.Entrypoint = spec.Command
		config.Cmd = spec.Args
	}

	hostConfig := &containertypes.HostConfig{}
	for _, vol := range spec.Volumes {
		bind := fmt.Sprintf("%s:%s", vol.Name, vol.MountPath)
		if vol.ReadOnly {
			bind += ":ro"
		}
		hostConfig.Binds = append(hostConfig.Binds, bind)
	}
	if spec.Resources.MemoryMB > 0 {
		hostConfig.Memory = int64(spec.Resources.MemoryMB) * 1024 * 1024
	}
	if spec.Resources.CPU > 0 {
		hostConfig.NanoCPUs = int64(spec.Resources.CPU * 1e9)
	}

	created, err := d.api.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName(spec.Name))
	if err != nil {
		return "", d.classify(err, "creating container")
	}
	if err := d.api.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return "", d.classify(err, "starting container")
	}
	return created.ID, nil
}

func (d *Docker) Status(ctx context.Context, externalRef string) (*JobStatus, error) {
	inspect, err := d.api.ContainerInspect(ctx, externalRef)
	if err != nil {
		return nil, d.classify(err, "inspecting container")
	}

	status := &JobStatus{}
	state := inspect.State
	if state == nil {
		status.State = StatePending
		return status, nil
	}

	switch {
	case state.Running:
		status.State = StateRunning
	case state.Status == "created":
		status.State = StatePending
	case state.ExitCode == 0:
		status.State = StateSucceeded
	default:
		status.State = StateFailed
		status.Message = state.Error
	}
	code := state.ExitCode
	if status.State.Terminal() {
		status.ExitCode = &code
	}
	if t, err := time.Parse(time.RFC3339Nano, state.StartedAt); err == nil && !t.IsZero() {
		status.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, state.FinishedAt); err == nil && !t.IsZero() {
		status.CompletedAt = &t
	}
	return status, nil
}

func (d *Docker) Cancel(ctx context.Context, externalRef string) (bool, error) {
	status, err := d.Status(ctx, externalRef)
	if err != nil {
		if je, ok := AsJobError(err); ok && je.Category == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if status.State.Terminal() {
		return false, nil
	}

	graceSeconds := int(d.grace.Seconds())
	if err := d.api.ContainerStop(ctx, externalRef, containertypes.StopOptions{Timeout: &graceSeconds}); err != nil {
		return false, d.classify(err, "stopping container")
	}
	return true, nil
}

func (d *Docker) Logs(ctx context.Context, externalRef string) (<-chan string, error) {
	reader, err := d.api.ContainerLogs(ctx, externalRef, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, d.classify(err, "streaming logs")
	}

	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		defer reader.Close()
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			select {
			case ch <- stripMultiplexHeader(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (d *Docker) Cleanup(ctx context.Context, externalRef string) error {
	err := d.api.ContainerRemove(ctx, externalRef, containertypes.RemoveOptions{Force: true})
	if err != nil {
		if je, ok := AsJobError(d.classify(err, "")); ok && je.Category == ErrNotFound {
			return nil
		}
		return d.classify(err, "removing container")
	}
	return nil
}

func (d *Docker) Health(ctx context.Context) Health {
	_, err := d.api.ContainerList(ctx, containertypes.ListOptions{Limit: 1})
	if err != nil {
		return Health{Healthy: false, Message: "daemon unreachable", Detail: err.Error()}
	}
	return Health{Healthy: true, Message: "ok"}
}

func (d *Docker) classify(err error, action string) error {
	msg := err.Error()
	if action != "" {
		msg = action + ": " + msg
	}
	switch {
	case client.IsErrNotFound(err):
		return NewJobError(d.Name(), ErrNotFound, msg)
	case client.IsErrConnectionFailed(err):
		return NewJobError(d.Name(), ErrRuntimeUnavailable, msg)
	default:
		return NewJobError(d.Name(), ErrInternal, msg)
	}
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	flat := make([]string, 0, len(env))
	for k, v := range env {
		flat = append(flat, k+"="+v)
	}
	sort.Strings(flat)
	return flat
}

func containerName(jobName string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, jobName)
	return "spine-" + sanitized
}

// Multiplexed docker log frames carry an 8-byte binary header per line.
func stripMultiplexHeader(line string) string {
	if len(line) >= 8 && (line[0] == 0x01 || line[0] == 0x02) {
		return line[8:]
	}
	return line
}

var _ Adapter = (*Docker)(nil)
