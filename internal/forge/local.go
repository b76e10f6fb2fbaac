package forge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/log"
)

// RunnerFile is the launcher a development build ships for each platform,
// inside development/<platform>.
const RunnerFile = "run"

// processWaitDelay bounds how long a killed process may hold its output
// pipes open through children it left behind.
const processWaitDelay = 2 * time.Second

// DefaultLintCommand is the linter Check runs when none is configured.
var DefaultLintCommand = []string{"jshint", "--reporter=unix"}

// ExpectedErrors are failures the user fixes on their own machine, such as
// a missing linter or a launcher without execute permission.
var ExpectedErrors = []error{exec.ErrNotFound, os.ErrPermission}

// RunResult is the success data of Run.
type RunResult struct {
	Platform string `json:"platform"`
	Dir      string `json:"dir"`
}

// CheckResult is the success data of Check.
type CheckResult struct {
	Files int  `json:"files"`
	Clean bool `json:"clean"`
}

// Run launches the development build for platform, streaming the
// launcher's output as log lines. The platform is asked for when empty and
// more than one has been built. args are passed to the launcher.
func (t *Tasks) Run(platform string, args []string) async.Task {
	return func(ctx context.Context, call *async.Call) (any, error) {
		if err := t.project.RequireSrc(); err != nil {
			return nil, err
		}

		built, err := t.builtPlatforms()
		if err != nil {
			return nil, err
		}
		switch {
		case platform == "" && len(built) == 1:
			platform = built[0]
		case platform == "":
			if platform, err = askPlatform(ctx, call, built); err != nil {
				return nil, err
			}
		case !slices.Contains(built, platform):
			return nil, Errorf("No development build for %q: built platforms are %s", platform, strings.Join(built, ", "))
		}

		dir := filepath.Join(DevelopmentDir, platform)
		runner := t.project.path(dir, RunnerFile)
		if _, err := os.Stat(runner); err != nil {
			return nil, Errorf("The %s build has no %q launcher: run forge build --full to refresh it", platform, RunnerFile)
		}

		call.Logger().Info("Running " + platform + " build from " + strconv.Quote(dir))
		if err := runCommand(ctx, call, t.project.path(dir), runner, args...); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, Errorf("The %s app exited with status %d", platform, exitErr.ExitCode())
			}
			return nil, err
		}
		return RunResult{Platform: platform, Dir: dir}, nil
	}
}

// Check runs the linter over the JS files in src/. Lint findings are logged,
// not treated as a failure.
func (t *Tasks) Check() async.Task {
	return func(ctx context.Context, call *async.Call) (any, error) {
		if err := t.project.RequireSrc(); err != nil {
			return nil, err
		}

		matches, err := filepath.Glob(filepath.Join(t.project.SrcPath(), "*.js"))
		if err != nil {
			return nil, err
		}
		files := make([]string, 0, len(matches))
		for _, m := range matches {
			files = append(files, filepath.Join(SrcDir, filepath.Base(m)))
		}
		slices.Sort(files)

		logger := call.Logger()
		if len(files) == 0 {
			logger.Info("No JS files found in " + strconv.Quote(SrcDir))
			return CheckResult{Clean: true}, nil
		}

		logger.Info("Checking all JS files in src folder. No news is good news.")
		args := append(slices.Clone(t.lintCommand[1:]), files...)
		err = runCommand(ctx, call, t.project.Dir, t.lintCommand[0], args...)
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			logger.Warn(fmt.Sprintf("%s reported problems (exit status %d)", t.lintCommand[0], exitErr.ExitCode()))
			return CheckResult{Files: len(files), Clean: false}, nil
		case err != nil:
			return nil, err
		}
		return CheckResult{Files: len(files), Clean: true}, nil
	}
}

// builtPlatforms lists the platform directories of the development build.
func (t *Tasks) builtPlatforms() ([]string, error) {
	entries, err := os.ReadDir(t.project.path(DevelopmentDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Errorf("No development build found: run forge build first")
	}
	if err != nil {
		return nil, err
	}
	var platforms []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			platforms = append(platforms, e.Name())
		}
	}
	if len(platforms) == 0 {
		return nil, Errorf("No development build found: run forge build first")
	}
	return platforms, nil
}

// runCommand runs name in dir. Stdout becomes info log lines and stderr
// warnings. An interrupted call kills the process and returns the context
// error.
func runCommand(ctx context.Context, call *async.Call, dir, name string, args ...string) error {
	logger := call.Logger()
	stdout := logger.Writer(log.LevelInfo)
	stderr := logger.Writer(log.LevelWarn)

	// #nosec G204 -- the launcher and linter come from the project and config
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = processWaitDelay

	log.Ctx(ctx).Debug(log.CatTask, "Starting process", "path", name, "dir", dir, "args", len(args))
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		return fmt.Errorf("%s stopped: %w", filepath.Base(name), ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("running %s: %w", filepath.Base(name), err)
	}
	return nil
}
