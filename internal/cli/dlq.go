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

	"github.com/spinedata/spine/internal/dlq"
	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/ops"
)

func newDLQCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the dead-letter queue",
	}
	cmd.AddCommand(
		newDLQListCommand(flags),
		newDLQReplayCommand(flags),
		newDLQResolveCommand(flags),
	)
	return cmd
}

func newDLQListCommand(flags *rootFlags) *cobra.Command {
	var (
		workflow string
		limit    int
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.ListDeadLetters(cmd.Context(), ops.Context{Caller: "cli"}, dlq.Filter{
				Workflow: workflow,
				Limit:    limit,
			}, all)
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, page ops.Page[*dlq.DeadLetter]) {
				rows := [][]string{{"ID", "OPERATION", "RETRIES", "CREATED", "RESOLVED", "ERROR"}}
				for _, letter := range page.Items {
					rows = append(rows, []string{
						letter.ID,
						letter.Workflow,
						fmt.Sprintf("%d/%d", letter.RetryCount, letter.MaxRetries),
						letter.CreatedAt.UTC().Format(time.RFC3339),
						formatTime(letter.ResolvedAt),
						letter.Error,
					})
				}
				table(w, rows...)
				fmt.Fprintf(w, "\n%d of %d dead letter(s)\n", len(page.Items), page.Total)
			})
		},
	}

	cmd.Flags().StringVar(&workflow, "operation", "", "Filter by operation identifier")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to return")
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved letters")
	return cmd
}

func newDLQReplayCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <letter-id>",
		Short: "Resubmit a dead letter's execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.ReplayDeadLetter(cmd.Context(), ops.Context{Caller: "cli"}, args[0])
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, exec *ledger.Execution) {
				fmt.Fprintf(w, "replaying as execution %s\n", exec.ID)
			})
		},
	}
}

func newDLQResolveCommand(flags *rootFlags) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "resolve <letter-id>",
		Short: "Mark a dead letter handled without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.ResolveDeadLetter(cmd.Context(), ops.Context{Caller: "cli"}, args[0], note)
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, letter *dlq.DeadLetter) {
				fmt.Fprintf(w, "resolved %s\n", letter.ID)
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Resolution note")
	return cmd
}
