package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/forge"
)

var versionCheckCmd = &cobra.Command{
	Use:   "version-check",
	Short: "Check that the build service accepts this version of forge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, "version-check", func(t *forge.Tasks) async.Task {
			return t.VersionCheck()
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCheckCmd)
}
