package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/cachemanager"
	"github.com/mobilipia/build-tools/internal/config"
	"github.com/mobilipia/build-tools/internal/controller"
	"github.com/mobilipia/build-tools/internal/forge"
	"github.com/mobilipia/build-tools/internal/history"
	"github.com/mobilipia/build-tools/internal/infrastructure/sqlite"
	"github.com/mobilipia/build-tools/internal/log"
	"github.com/mobilipia/build-tools/internal/presentation"
	"github.com/mobilipia/build-tools/internal/pubsub"
	"github.com/mobilipia/build-tools/internal/remote"
	"github.com/mobilipia/build-tools/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

// app is everything one forge command needs to run a task.
type app struct {
	cfg      config.Config
	tasks    *forge.Tasks
	loop     *controller.Loop
	db       *sqlite.DB
	provider *tracing.Provider
	cleanup  []func()
}

// appOptions are the per-invocation inputs that are not configuration.
type appOptions struct {
	in         io.Reader
	out        io.Writer
	dir        string
	configPath string
	password   string
	remoteOpts []remote.Option
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.DebugLog != "" {
		closeLog, err := log.Init(cfg.DebugLog)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, closeLog)
	} else {
		a.cleanup = append(a.cleanup, log.InitWithWriter(nil))
	}
	log.SetMinLevel(log.LevelDebug)

	accident := log.NewAccidentLog(cfg.ErrorLogFile, 0)
	accident.Attach(ctx)

	provider, err := tracing.NewProvider(cfg.Tracing.ProviderConfig())
	if err != nil {
		a.close()
		return nil, err
	}
	a.provider = provider
	observers := []controller.Observer{tracing.NewCallTracer(provider.Tracer())}

	if cfg.History.Enabled {
		db, err := sqlite.NewDB(cfg.History.Path)
		if err != nil {
			// History is a convenience; a broken database must not block builds.
			log.ErrorErr(log.CatDB, "history disabled", err, "path", cfg.History.Path)
		} else {
			a.db = db
			observers = append(observers, history.NewRecorder(db.RunRepository()))
		}
	}

	remoteOpts := append([]remote.Option{
		remote.WithVersion(forge.Version),
		remote.WithTracer(provider.Tracer()),
	}, opts.remoteOpts...)
	client, err := remote.New(cfg.Server, remoteOpts...)
	if err != nil {
		a.close()
		return nil, err
	}

	answers := cachemanager.NewMemory[forge.AnswerKey, string]("answers", cfg.Cache.TTL, cachemanager.DefaultCleanupInterval)
	creds := forge.NewCredentials(client.Server(), answers, cfg.Cache.TTL,
		forge.WithUsername(cfg.Username),
		forge.WithPassword(opts.password),
	)

	taskOpts := []forge.Option{
		forge.WithPollDelay(cfg.BuildPollDelay),
		forge.WithLintCommand(cfg.LintCommand),
	}
	if opts.dir != "" {
		taskOpts = append(taskOpts, forge.WithDir(opts.dir))
	}
	if opts.configPath != "" {
		path := opts.configPath
		taskOpts = append(taskOpts, forge.WithLoginHook(func(username string) error {
			return config.SaveUsername(path, username)
		}))
	}
	a.tasks = forge.New(client, creds, taskOpts...)

	presenter := presentation.NewTerminal(opts.in, opts.out,
		presentation.WithSupportContact(cfg.SupportContact),
		presentation.WithVerbose(cfg.Verbose),
	)
	loopOpts := []controller.Option{
		controller.WithPollInterval(cfg.PollInterval),
		controller.WithJoinTimeout(cfg.JoinTimeout),
		controller.WithMinLevel(outputLevel(cfg)),
		controller.WithObservers(observers...),
		controller.WithAccidentLog(accident),
	}
	if cfg.EventLog != "" {
		broker, err := a.openEventLog(cfg.EventLog)
		if err != nil {
			a.close()
			return nil, err
		}
		loopOpts = append(loopOpts, controller.WithBroker(broker))
	}
	a.loop = controller.New(presenter, loopOpts...)
	return a, nil
}

// openEventLog streams call notices to path as JSON lines until the app
// closes.
func (a *app) openEventLog(path string) (*pubsub.Broker[controller.Notice], error) {
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- path is cleaned above
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	broker := pubsub.NewBrokerWithBuffer[controller.Notice](async.DefaultOutputBuffer)
	notices := broker.Subscribe(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := controller.WriteNotices(notices, file); err != nil {
			log.ErrorErr(log.CatController, "event log stopped", err, "path", cleanPath)
		}
	}()

	a.cleanup = append(a.cleanup, func() {
		broker.Close()
		<-done
		if n := broker.Dropped(); n > 0 {
			log.Warn(log.CatController, "event log missed notices", "path", cleanPath, "dropped", n)
		}
		if err := file.Close(); err != nil {
			log.ErrorErr(log.CatController, "closing event log failed", err, "path", cleanPath)
		}
	})
	return broker, nil
}

func outputLevel(cfg config.Config) log.Level {
	switch {
	case cfg.Verbose:
		return log.LevelDebug
	case cfg.Quiet:
		return log.LevelWarn
	default:
		return log.LevelInfo
	}
}

// run drives task to completion. A failed or cancelled task becomes an
// exitError; the presenter has already reported it.
func (a *app) run(ctx context.Context, name string, task async.Task) error {
	call := async.NewCall(name, task,
		async.WithPollInterval(a.cfg.PollInterval),
		async.WithStamp(async.Fields{"task": name}),
		async.WithExpectedErrors(forge.ExpectedErrors...),
	)
	out := a.loop.Run(ctx, call)
	if code := out.ExitCode(); code != controller.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.provider != nil {
		if err := a.provider.Shutdown(ctx); err != nil {
			log.ErrorErr(log.CatTrace, "tracing shutdown failed", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.ErrorErr(log.CatDB, "closing history failed", err)
		}
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// runTask builds the app for cmd and runs the task picked from it.
func runTask(cmd *cobra.Command, name string, pick func(*forge.Tasks) async.Task) error {
	a, err := newApp(cmd.Context(), cfg, appOptions{
		in:         cmd.InOrStdin(),
		out:        cmd.OutOrStdout(),
		configPath: configUsed,
		password:   password,
	})
	if err != nil {
		return err
	}
	defer a.close()
	return a.run(cmd.Context(), name, pick(a.tasks))
}
