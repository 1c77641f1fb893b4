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
	"log/slog"
	"time"

	"github.com/spinedata/spine/internal/config"
	"github.com/spinedata/spine/internal/dlq"
	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/log"
	"github.com/spinedata/spine/internal/manifest"
	"github.com/spinedata/spine/internal/ops"
	"github.com/spinedata/spine/internal/sched"
	"github.com/spinedata/spine/internal/store"
)

// app wires the storage-backed components every subcommand shares.
type app struct {
	cfg       *config.Config
	store     *store.Store
	logger    *slog.Logger
	ledger    *ledger.Ledger
	queue     *dlq.Queue
	schedules *sched.Store
	manifest  *manifest.Manifest
	facade    *ops.Facade
}

// openApp loads configuration, opens the store and builds the facade.
// Every returned error already carries an exit code.
func openApp(flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, ConfigErr("loading configuration", err)
	}

	logCfg := log.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = log.Format(cfg.Log.Format)
	if flags.verbose {
		logCfg.Level = "debug"
	}
	if flags.quiet {
		logCfg.Level = "error"
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	var st *store.Store
	switch cfg.Database.Driver {
	case "postgres":
		st, err = store.OpenPostgres(store.PostgresConfig{DSN: cfg.Database.DSN})
	default:
		st, err = store.OpenSQLite(store.SQLiteConfig{Path: cfg.Database.Path, WAL: cfg.Database.WAL})
	}
	if err != nil {
		return nil, ConfigErr("opening database", err)
	}

	a := &app{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		ledger:    ledger.New(st, nil),
		queue:     dlq.New(st, nil),
		schedules: sched.NewStore(st, nil),
		manifest:  manifest.New(st, nil),
	}
	a.facade = ops.New(a.ledger, a.queue, a.schedules, a.manifest, executionSubmitter(a.ledger), logger)
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// executionSubmitter turns schedule emissions into pending ledger rows
// for the dispatcher to claim. Workflow targets keep their kind prefix
// so the worker routes them to the workflow runner.
func executionSubmitter(led *ledger.Ledger) sched.Submitter {
	return sched.SubmitterFunc(func(ctx context.Context, schedule *sched.Schedule, scheduledAt time.Time) (string, error) {
		params := make(map[string]any, len(schedule.ParamsTemplate)+1)
		for k, v := range schedule.ParamsTemplate {
			params[k] = v
		}
		params["scheduled_at"] = scheduledAt.UTC().Format(time.RFC3339)

		operation := schedule.TargetName
		if schedule.TargetType == sched.TargetWorkflow {
			operation = "workflow:" + schedule.TargetName
		}
		exec, err := led.CreateExecution(ctx, &ledger.Execution{
			Workflow: operation,
			Params:   params,
			Trigger:  ledger.TriggerSchedule,
		})
		if err != nil {
			return "", err
		}
		return exec.ID, nil
	})
}
