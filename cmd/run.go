package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/forge"
)

var runCmd = &cobra.Command{
	Use:   "run [platform] [-- launcher args]",
	Short: "Run the development build",
	Long: `Launch the development build for one platform and stream its output.
The platform is asked for when several have been built. Arguments after --
are passed to the launcher.

Examples:
  forge run web
  forge run android -- --device emulator-5554
  forge run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, extra, err := splitRunArgs(args, cmd.ArgsLenAtDash())
		if err != nil {
			return err
		}
		return runTask(cmd, "run", func(t *forge.Tasks) async.Task {
			return t.Run(platform, extra)
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// splitRunArgs separates the optional platform from the launcher arguments
// that follow "--". dash is cobra's ArgsLenAtDash, -1 without a dash.
func splitRunArgs(args []string, dash int) (string, []string, error) {
	before, after := args, []string(nil)
	if dash >= 0 {
		before, after = args[:dash], args[dash:]
	}
	switch len(before) {
	case 0:
		return "", after, nil
	case 1:
		return before[0], after, nil
	default:
		return "", nil, fmt.Errorf("run takes at most one platform, got %d; pass launcher arguments after --", len(before))
	}
}
