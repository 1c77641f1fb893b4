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

	"github.com/spf13/cobra"

	"github.com/spinedata/spine/internal/ledger"
	"github.com/spinedata/spine/internal/ops"
)

// emit unwraps a facade result into JSON or text output.
func emit[T any](flags *rootFlags, out io.Writer, result ops.Result[T], text func(io.Writer, T)) error {
	if !result.Success {
		return opErr(result.Error)
	}
	if flags.jsonOut {
		return printJSON(out, result.Data)
	}
	text(out, result.Data)
	return nil
}

func newSubmitCommand(flags *rootFlags) *cobra.Command {
	var (
		params         []string
		lane           string
		logicalKey     string
		idempotencyKey string
		dryRun         bool
	)

	cmd := &cobra.Command{
		Use:   "submit <operation>",
		Short: "Submit an operation for execution",
		Long: `Submit records a pending execution in the ledger. Operations are
identified as kind:name (task:ingest, workflow:daily_refresh); a bare
name defaults to the task kind. A worker picks the execution up on its
next poll.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return ConfigErr("parsing parameters", err)
			}

			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.facade.SubmitExecution(cmd.Context(), ops.Context{Caller: "cli", DryRun: dryRun}, ops.SubmitExecutionRequest{
				Operation:      args[0],
				Params:         parsed,
				Lane:           lane,
				LogicalKey:     logicalKey,
				IdempotencyKey: idempotencyKey,
			})
			return emit(flags, cmd.OutOrStdout(), result, func(w io.Writer, exec *ledger.Execution) {
				if dryRun {
					fmt.Fprintf(w, "dry run: %s validates\n", exec.Workflow)
					return
				}
				fmt.Fprintf(w, "submitted %s (%s)\n", exec.ID, exec.Status)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Operation parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&lane, "lane", "", "Concurrency lane")
	cmd.Flags().StringVar(&logicalKey, "logical-key", "", "Logical key for duplicate suppression")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key; resubmission returns the original execution")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate without writing")
	return cmd
}
