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
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/spinedata/spine/internal/bridge"
	"github.com/spinedata/spine/internal/dispatch"
	"github.com/spinedata/spine/internal/engine"
	"github.com/spinedata/spine/internal/metrics"
	"github.com/spinedata/spine/internal/runtime"
	"github.com/spinedata/spine/pkg/errors"
	"github.com/spinedata/spine/pkg/workflow"
)

func newWorkerCommand(flags *rootFlags) *cobra.Command {
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the dispatcher worker",
		Long: `Worker polls the ledger for pending executions and runs them
through the configured runtime adapter. Task identifiers become
container or process jobs via the bridge; SIGTERM drains in-flight
handlers before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := buildRouter(a)
			if err != nil {
				return ConfigErr("building runtime router", err)
			}

			eng := engine.New(router, a.ledger, runtime.NewBreakerRegistry(runtime.DefaultBreakerConfig()), a.logger)
			bridgeCfg := bridge.DefaultConfig()
			bridgeCfg.DefaultImage = a.cfg.Bridge.DefaultImage
			bridgeCfg.PollInterval = a.cfg.Bridge.PollInterval
			bridgeCfg.DefaultTimeout = a.cfg.Bridge.DefaultTimeout
			br := bridge.New(eng, bridgeCfg, nil, a.logger)

			registry := dispatch.NewRegistry()
			registry.RegisterFallback(dispatch.DefaultKind, bridgeHandler(br))

			worker := dispatch.NewWorker(a.ledger, registry, dispatch.Config{
				PollInterval:   a.cfg.Worker.PollInterval,
				MaxConcurrency: a.cfg.Worker.MaxConcurrency,
			}, a.logger, metrics.New(prometheus.DefaultRegisterer))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			worker.Start(ctx)
			<-ctx.Done()
			a.logger.Info("signal received, draining")

			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			if err := worker.Stop(drainCtx); err != nil {
				return PartialErr("drain timed out with handlers still running")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "How long to wait for in-flight handlers on shutdown")
	return cmd
}

// buildRouter registers the adapters the configuration names and sets
// the default route.
func buildRouter(a *app) (*runtime.Router, error) {
	router := runtime.NewRouter()
	router.Register(runtime.NewLocalProcess())
	router.Register(runtime.NewStub("stub"))

	if a.cfg.Runtime.Default == "docker" || a.cfg.Runtime.DockerHost != "" {
		if a.cfg.Runtime.DockerHost != "" {
			os.Setenv("DOCKER_HOST", a.cfg.Runtime.DockerHost)
		}
		docker, err := runtime.NewDockerFromEnv()
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryConfig, "connecting to docker")
		}
		router.Register(docker)
	}

	if err := router.SetDefault(a.cfg.Runtime.Default); err != nil {
		return nil, err
	}
	return router, nil
}

// bridgeHandler adapts the container bridge to the dispatch handler
// contract. The operation identifier travels on the context.
func bridgeHandler(br *bridge.Bridge) dispatch.Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		exec, ok := dispatch.ExecutionFromContext(ctx)
		if !ok {
			return nil, errors.New(errors.CategoryInternal, "no execution on context")
		}
		result, err := br.RunOperation(ctx, exec.Workflow, params, workflow.Context{
			RunID:  exec.ID,
			Params: params,
		})
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return nil, errors.Newf(errors.CategoryOperation, "%s: %s", result.Category, result.Error)
		}
		return result.Output, nil
	}
}
