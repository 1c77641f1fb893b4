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

	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/ops"
)

func newListCommand(flags *rootFlags) *cobra.Command {
	var (
		status   string
		workflow string
		lane     string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.ListExecutions(cmd.Context(), ops.Context{Caller: "cli"}, ledger.Filter{
				Status:   ledger.Status(status),
				Workflow: workflow,
				Lane:     lane,
				Limit:    limit,
				Offset:   offset,
			})
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, page ops.Page[*ledger.Execution]) {
				rows := [][]string{{"ID", "OPERATION", "STATUS", "TRIGGER", "CREATED", "RETRIES"}}
				for _, exec := range page.Items {
					rows = append(rows, []string{
						exec.ID,
						exec.Workflow,
						string(exec.Status),
						string(exec.Trigger),
						exec.CreatedAt.UTC().Format(time.RFC3339),
						fmt.Sprint(exec.RetryCount),
					})
				}
				table(w, rows...)
				fmt.Fprintf(w, "\n%d of %d execution(s)\n", len(page.Items), page.Total)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, queued, running, completed, failed, cancelled, timed_out)")
	cmd.Flags().StringVar(&workflow, "operation", "", "Filter by operation identifier")
	cmd.Flags().StringVar(&lane, "lane", "", "Filter by concurrency lane")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func newGetCommand(flags *rootFlags) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if events {
				result := a.facade.GetExecutionEvents(cmd.Context(), ops.Context{Caller: "cli"}, args[0])
				return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, evs []ledger.Event) {
					rows := [][]string{{"TIMESTAMP", "EVENT"}}
					for _, ev := range evs {
						rows = append(rows, []string{ev.Timestamp.UTC().Format(time.RFC3339), string(ev.Type)})
					}
					table(w, rows...)
				})
			}

			result := a.facade.GetExecution(cmd.Context(), ops.Context{Caller: "cli"}, args[0])
			return emit(flags, cmd.OutOrStdout(), result, printExecution)
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "Show the execution's event log instead")
	return cmd
}

func printExecution(w io.Writer, exec *ledger.Execution) {
	table(w,
		[]string{"ID", exec.ID},
		[]string{"Operation", exec.Workflow},
		[]string{"Status", string(exec.Status)},
		[]string{"Trigger", string(exec.Trigger)},
		[]string{"Created", exec.CreatedAt.UTC().Format(time.RFC3339)},
		[]string{"Started", formatTime(exec.StartedAt)},
		[]string{"Completed", formatTime(exec.CompletedAt)},
		[]string{"Retries", fmt.Sprint(exec.RetryCount)},
	)
	if exec.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", exec.Error)
	}
}

func newCancelCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a pending or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.CancelExecution(cmd.Context(), ops.Context{Caller: "cli"}, args[0])
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, exec *ledger.Execution) {
				fmt.Fprintf(w, "cancelled %s\n", exec.ID)
			})
		},
	}
}

func newRetryCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <execution-id>",
		Short: "Clone a failed execution for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.RetryExecution(cmd.Context(), ops.Context{Caller: "cli"}, args[0])
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, exec *ledger.Execution) {
				fmt.Fprintf(w, "retrying as %s (attempt %d)\n", exec.ID, exec.RetryCount)
			})
		},
	}
}
