package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/forge"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Lint the JavaScript in src/",
	Long: `Run the configured linter (lint_command, default jshint) over src/*.js.
Findings are shown as warnings; no news is good news.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, "check", func(t *forge.Tasks) async.Task {
			return t.Check()
		})
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
