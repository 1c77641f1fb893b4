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

// Package cli assembles the spine command tree.
package cli

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	jsonOut    bool
	verbose    bool
	quiet      bool
}

// NewRootCommand creates the root Cobra command for spine.
func NewRootCommand(version string) *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "spine",
		Short: "Spine - durable execution for data pipelines",
		Long: `Spine runs data-pipeline operations through a durable execution
ledger: submissions survive restarts, failures land in a dead-letter
queue, and schedules fire exactly once across competing instances.`,
		Version:       version,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file (default: built-in defaults plus SPINE_* env)")
	cmd.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.quiet, "quiet", "q", false, "Suppress non-error logging")

	cmd.AddCommand(
		newSubmitCommand(flags),
		newListCommand(flags),
		newGetCommand(flags),
		newCancelCommand(flags),
		newRetryCommand(flags),
		newWorkerCommand(flags),
		newSchedulerCommand(flags),
		newScheduleCommand(flags),
		newDLQCommand(flags),
		newPurgeCommand(flags),
	)
	return cmd
}
