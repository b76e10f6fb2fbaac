package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/forge"
)

var createName string

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new app in the current directory",
	Long: `Register a new app with the build service and fetch its starting files.

The app's source goes into ./src, along with the identity file that ties
it to the app on the server. Fails if ./src already exists.

Examples:
  forge create
  forge create --name "My App"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, "create", func(t *forge.Tasks) async.Task {
			return t.Create(createName)
		})
	},
}

func init() {
	createCmd.Flags().StringVarP(&createName, "name", "n", "", "app name (asked for when empty)")
	rootCmd.AddCommand(createCmd)
}
