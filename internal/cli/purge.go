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

	"github.com/spf13/cobra"

	"github.com/spinedata/spine/internal/guard"
	"github.com/spinedata/spine/internal/retention"
)

func newPurgeCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Age out terminal history per the retention configuration",
		Long: `Purge deletes terminal executions, resolved dead letters, schedule
runs and finished workflow runs older than the configured retention
windows. Live rows are never touched. Exits 2 when some tables purge
and others fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			report := retention.New(a.store, nil, a.logger).PurgeAll(cmd.Context(), a.cfg.Retention)

			reaped, err := guard.New(a.store, nil).ReapExpired(cmd.Context())
			if err != nil {
				a.logger.Warn("reaping expired concurrency locks", "error", err)
			} else if reaped > 0 {
				a.logger.Info("reaped expired concurrency locks", "count", reaped)
			}

			if flags.jsonOut {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				rows := [][]string{{"TABLE", "DELETED", "CUTOFF", "ERROR"}}
				for _, t := range report.Tables {
					rows = append(rows, []string{t.Table, fmt.Sprint(t.Deleted), t.Cutoff.UTC().Format("2006-01-02"), t.Error})
				}
				table(cmd.OutOrStdout(), rows...)
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d row(s) deleted\n", report.TotalDeleted)
			}

			if !report.OK() {
				return PartialErr("some tables failed to purge")
			}
			return nil
		},
	}
	return cmd
}
