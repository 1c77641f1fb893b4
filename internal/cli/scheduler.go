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

	"github.com/spinedata/spine/internal/guard"
	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/metrics"
	"github.com/spinedata/spine/internal/sched"
)

// singletonLease is the guard key a singleton scheduler holds.
const singletonLease = "scheduler:singleton"

func newSchedulerCommand(flags *rootFlags) *cobra.Command {
	var (
		instanceID string
		singleton  bool
	)

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the schedule emitter",
		Long: `Scheduler fires due cron and interval schedules as ledger
executions. Multiple instances may run against the same database;
per-schedule locks keep each emission to exactly one instance.
--singleton additionally holds a cluster-wide lease so only one
scheduler process ticks at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if instanceID == "" {
				instanceID = ident.NewID()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if singleton {
				release, err := holdSingletonLease(ctx, a, instanceID)
				if err != nil {
					return err
				}
				defer release()
			}

			scheduler := sched.New(a.schedules, executionSubmitter(a.ledger), sched.Config{
				TickInterval: a.cfg.Scheduler.TickInterval,
				LockTTL:      a.cfg.Scheduler.LockTTL,
				InstanceID:   instanceID,
			}, metrics.New(prometheus.DefaultRegisterer), a.logger, nil)

			scheduler.Start(ctx)
			<-ctx.Done()
			a.logger.Info("signal received, stopping scheduler")
			scheduler.SetDraining(true)
			scheduler.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&instanceID, "instance-id", "", "Stable identity for schedule locks (default: random)")
	cmd.Flags().BoolVar(&singleton, "singleton", false, "Hold a cluster-wide lease; block until it is free")
	return cmd
}

// holdSingletonLease blocks until the cluster-wide scheduler lease is
// acquired, then keeps extending it in the background. The returned
// function releases the lease.
func holdSingletonLease(ctx context.Context, a *app, owner string) (func(), error) {
	g := guard.New(a.store, nil)
	ttl := 3 * a.cfg.Scheduler.LockTTL

	for {
		acquired, err := g.Acquire(ctx, singletonLease, owner, ttl)
		if err != nil {
			return nil, FailureErr("acquiring scheduler lease", err)
		}
		if acquired {
			break
		}
		a.logger.Info("scheduler lease held elsewhere, waiting")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.cfg.Scheduler.LockTTL):
		}
	}

	extendCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-extendCtx.Done():
				return
			case <-ticker.C:
				if _, err := g.Extend(extendCtx, singletonLease, owner, ttl); err != nil {
					a.logger.Warn("extending scheduler lease", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		g.Release(context.Background(), singletonLease, owner)
	}, nil
}
