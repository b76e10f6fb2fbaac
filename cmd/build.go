package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/controller"
	"github.com/mobilipia/build-tools/internal/forge"
	"github.com/mobilipia/build-tools/internal/log"
	"github.com/mobilipia/build-tools/internal/watcher"
)

var (
	buildFull   bool
	buildTarget string
	buildWatch  bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the app for development",
	Long: `Send ./src/config.json to the build service, wait for the build and
unpack the result into ./development.

Examples:
  forge build
  forge build --target android
  forge build --full
  forge build --watch`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if buildWatch {
			return watchBuild(cmd)
		}
		return runTask(cmd, "build", func(t *forge.Tasks) async.Task {
			return t.Build(buildFull, buildTarget)
		})
	},
}

func init() {
	buildCmd.Flags().BoolVarP(&buildFull, "full", "f", false, "discard cached build output first")
	buildCmd.Flags().StringVarP(&buildTarget, "target", "t", "", "only build for this platform")
	buildCmd.Flags().BoolVarP(&buildWatch, "watch", "w", false, "rebuild whenever ./src changes")
	rootCmd.AddCommand(buildCmd)
}

// watchBuild builds once, then again after every settled change to ./src,
// until interrupted. A failed build keeps watching.
func watchBuild(cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{
		in:         cmd.InOrStdin(),
		out:        cmd.OutOrStdout(),
		configPath: configUsed,
		password:   password,
	})
	if err != nil {
		return err
	}
	defer a.close()

	w, err := watcher.New(watcher.DefaultConfig(forge.SrcDir))
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()
	changes, err := w.Start()
	if err != nil {
		return err
	}

	full := buildFull
	for {
		err := a.run(ctx, "build", a.tasks.Build(full, buildTarget))
		full = false
		if ctx.Err() != nil {
			return &exitError{code: controller.ExitCancelled}
		}
		if err != nil {
			log.Debug(log.CatWatch, "build failed, still watching", "error", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for changes...\n", forge.SrcDir)
		select {
		case <-ctx.Done():
			return &exitError{code: controller.ExitCancelled}
		case <-changes:
		}
	}
}
