package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/forge"
)

var packageCmd = &cobra.Command{
	Use:   "package [platform]",
	Short: "Package the app for release",
	Long: `Build a release package for one platform into ./release/<platform>.
The platform is asked for when not given.

Examples:
  forge package android
  forge package`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform := ""
		if len(args) == 1 {
			platform = args[0]
		}
		return runTask(cmd, "package", func(t *forge.Tasks) async.Task {
			return t.Package(platform)
		})
	},
}

func init() {
	rootCmd.AddCommand(packageCmd)
}
