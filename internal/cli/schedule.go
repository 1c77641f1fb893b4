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
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/spinedata/spine/internal/dispatch"
	"github.com/spinedata/spine/internal/ops"
	"github.com/spinedata/spine/internal/sched"
)

func newScheduleCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron and interval schedules",
	}
	cmd.AddCommand(
		newScheduleListCommand(flags),
		newScheduleCreateCommand(flags),
		newScheduleEnableCommand(flags, "pause", false),
		newScheduleEnableCommand(flags, "resume", true),
		newScheduleTriggerCommand(flags),
		newScheduleDeleteCommand(flags),
	)
	return cmd
}

func newScheduleListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.ListSchedules(cmd.Context(), ops.Context{Caller: "cli"})
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, schedules []*sched.Schedule) {
				rows := [][]string{{"ID", "NAME", "TARGET", "SPEC", "ENABLED", "NEXT RUN"}}
				for _, s := range schedules {
					spec := s.CronExpression
					if s.Kind == sched.KindInterval {
						spec = fmt.Sprintf("every %ds", s.IntervalSeconds)
					}
					rows = append(rows, []string{
						s.ID,
						s.Name,
						string(s.TargetType) + ":" + s.TargetName,
						spec,
						fmt.Sprint(s.Enabled),
						formatTime(s.NextRunAt),
					})
				}
				table(w, rows...)
			})
		},
	}
}

func newScheduleCreateCommand(flags *rootFlags) *cobra.Command {
	var (
		target       string
		cron         string
		interval     time.Duration
		timezone     string
		params       []string
		misfireGrace time.Duration
		disabled     bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a schedule",
		Long: `Create registers a cron or interval schedule. The target is an
operation identifier; workflow:<name> targets run the named workflow.
Exactly one of --cron or --every is required.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return ConfigErr("parsing parameters", err)
			}

			definition := &sched.Schedule{
				Name:           args[0],
				Enabled:        !disabled,
				ParamsTemplate: parsed,
				Timezone:       timezone,
				MisfireGrace:   misfireGrace,
			}
			kind, name := dispatch.ParseOperationID(target)
			if kind == "workflow" {
				definition.TargetType = sched.TargetWorkflow
			} else {
				definition.TargetType = sched.TargetOperation
			}
			definition.TargetName = name
			if cron != "" {
				definition.Kind = sched.KindCron
				definition.CronExpression = cron
			} else {
				definition.Kind = sched.KindInterval
				definition.IntervalSeconds = int(interval / time.Second)
			}

			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.CreateSchedule(cmd.Context(), ops.Context{Caller: "cli"}, definition)
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, s *sched.Schedule) {
				fmt.Fprintf(w, "created %s (next run %s)\n", s.ID, formatTime(s.NextRunAt))
			})
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "Operation to fire (kind:name)")
	cmd.Flags().StringVar(&cron, "cron", "", "5-field cron expression")
	cmd.Flags().DurationVar(&interval, "every", 0, "Interval between runs")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for cron evaluation (default: UTC)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Parameter template entry as key=value (repeatable)")
	cmd.Flags().DurationVar(&misfireGrace, "misfire-grace", 0, "How late an emission may fire before it is skipped")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the schedule paused")
	cmd.MarkFlagRequired("target")
	return cmd
}

func newScheduleEnableCommand(flags *rootFlags, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <schedule-id>",
		Short: verb + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			var result ops.Result[bool]
			if enabled {
				result = a.facade.ResumeSchedule(cmd.Context(), ops.Context{Caller: "cli"}, args[0])
			} else {
				result = a.facade.PauseSchedule(cmd.Context(), ops.Context{Caller: "cli"}, args[0])
			}
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, _ bool) {
				fmt.Fprintf(w, "%sd %s\n", verb, args[0])
			})
		},
	}
}

func newScheduleTriggerCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <schedule-id>",
		Short: "Fire a schedule immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.TriggerSchedule(cmd.Context(), ops.Context{Caller: "cli"}, args[0])
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, executionID string) {
				fmt.Fprintf(w, "triggered execution %s\n", executionID)
			})
		},
	}
}

func newScheduleDeleteCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.DeleteSchedule(cmd.Context(), ops.Context{Caller: "cli"}, args[0])
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, _ bool) {
				fmt.Fprintf(w, "deleted %s\n", args[0])
			})
		},
	}
}
