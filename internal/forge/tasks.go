package forge

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/question"
	"github.com/mobilipia/build-tools/internal/remote"
)

const (
	DefaultPollDelay     = 10 * time.Second
	DefaultMoveAttempts  = 5
	DefaultMoveStep      = time.Second
	DefaultLoginAttempts = 3
)

// DefaultPlatforms is offered when the server does not list its platforms.
var DefaultPlatforms = []string{"android", "ios", "web"}

// Remote is the part of the build API the tasks use.
type Remote interface {
	Hostname() string
	Authenticated() bool
	CheckVersion(ctx context.Context) (remote.VersionCheck, error)
	LoggedIn(ctx context.Context) (bool, error)
	Login(ctx context.Context, email, password string) error
	CreateApp(ctx context.Context, name string) (string, error)
	RequestBuild(ctx context.Context, req remote.BuildRequest) (remote.Build, error)
	AvailablePlatforms(ctx context.Context) ([]string, error)
	Download(ctx context.Context, ref string, w io.Writer, progress remote.ProgressFunc) (int64, error)
	FetchInitial(ctx context.Context, uuid string, w io.Writer, progress remote.ProgressFunc) (int64, error)
}

var _ Remote = (*remote.Client)(nil)

// Tasks builds the forge commands for one project directory.
type Tasks struct {
	remote  Remote
	creds   *Credentials
	project Project

	pollDelay     time.Duration
	moveAttempts  uint
	moveStep      time.Duration
	loginAttempts int
	onLogin       func(username string) error
	lintCommand   []string
}

// Option configures Tasks.
type Option func(*Tasks)

// WithDir sets the project directory. Default is the working directory.
func WithDir(dir string) Option {
	return func(t *Tasks) { t.project.Dir = dir }
}

// WithPollDelay sets the pause between remote build status checks.
func WithPollDelay(d time.Duration) Option {
	return func(t *Tasks) { t.pollDelay = d }
}

// WithMoveRetry sets how often moving a finished build into place is tried.
func WithMoveRetry(attempts uint, step time.Duration) Option {
	return func(t *Tasks) {
		if attempts > 0 {
			t.moveAttempts = attempts
		}
		t.moveStep = step
	}
}

// WithLoginHook registers fn to run after a successful interactive login,
// for example to remember the username.
func WithLoginHook(fn func(username string) error) Option {
	return func(t *Tasks) { t.onLogin = fn }
}

// WithLintCommand sets the linter Check runs. The JS files are appended as
// arguments. An empty cmd keeps the default.
func WithLintCommand(cmd []string) Option {
	return func(t *Tasks) {
		if len(cmd) > 0 {
			t.lintCommand = cmd
		}
	}
}

// New creates Tasks talking to r.
func New(r Remote, creds *Credentials, opts ...Option) *Tasks {
	t := &Tasks{
		remote:        r,
		creds:         creds,
		project:       Project{Dir: "."},
		pollDelay:     DefaultPollDelay,
		moveAttempts:  DefaultMoveAttempts,
		moveStep:      DefaultMoveStep,
		loginAttempts: DefaultLoginAttempts,
		lintCommand:   DefaultLintCommand,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CreateResult is the success data of Create.
type CreateResult struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// BuildResult is the success data of Build and Package.
type BuildResult struct {
	ID     int    `json:"id"`
	Target string `json:"target,omitempty"`
	Dir    string `json:"dir"`
}

// VersionCheck reports whether this version of the tools may be used.
func (t *Tasks) VersionCheck() async.Task {
	return func(ctx context.Context, call *async.Call) (any, error) {
		vc, err := t.remote.CheckVersion(ctx)
		if err != nil {
			return nil, err
		}
		if vc.Upgrade == "" {
			call.Logger().Info("Forge tools are up to date")
		}
		return vc, nil
	}
}

// Create registers a new app and lays out its project. name is asked for
// when empty.
func (t *Tasks) Create(name string) async.Task {
	return func(ctx context.Context, call *async.Call) (any, error) {
		if _, err := t.remote.CheckVersion(ctx); err != nil {
			return nil, err
		}
		if t.project.HasSrc() {
			return nil, Errorf("Source folder %q already exists, if you really want to create a new app you will need to remove it!", SrcDir)
		}
		if err := t.authenticate(ctx, call); err != nil {
			return nil, err
		}

		name = strings.TrimSpace(name)
		if name == "" {
			var err error
			if name, err = askName(ctx, call); err != nil {
				return nil, err
			}
		}

		uuid, err := t.remote.CreateApp(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := t.fetchInitial(ctx, call, uuid); err != nil {
			return nil, err
		}
		if err := t.project.WriteIdentity(Identity{UUID: uuid}); err != nil {
			return nil, err
		}
		if err := t.project.EnsureConfig(name); err != nil {
			return nil, err
		}

		logger := call.Logger()
		logger.Info("App structure created. To proceed:")
		logger.Info("1) Put your code in the " + strconv.Quote(SrcDir) + " folder")
		logger.Info("2) Run forge build to make a build")
		return CreateResult{UUID: uuid, Name: name}, nil
	}
}

// Build requests a development build and unpacks it into development/.
// full discards cached build output first.
func (t *Tasks) Build(full bool, target string) async.Task {
	return func(ctx context.Context, call *async.Call) (any, error) {
		cfg, id, err := t.prepare(ctx, call)
		if err != nil {
			return nil, err
		}

		logger := call.Logger()
		if full {
			logger.Info("forcing rebuild of templates")
			if err := os.RemoveAll(t.project.path(TemplateDir)); err != nil {
				return nil, err
			}
		}

		b, err := t.remoteBuild(ctx, call, remote.BuildRequest{UUID: id.UUID, Config: cfg, Target: target})
		if err != nil {
			return nil, err
		}
		dir, err := t.fetchBuild(ctx, call, b, DevelopmentDir)
		if err != nil {
			return nil, err
		}

		logger.Info("Development build created in " + strconv.Quote(DevelopmentDir))
		return BuildResult{ID: b.ID, Target: target, Dir: dir}, nil
	}
}

// Package builds a release for one platform into release/<platform>. The
// platform is asked for when empty.
func (t *Tasks) Package(platform string) async.Task {
	return func(ctx context.Context, call *async.Call) (any, error) {
		cfg, id, err := t.prepare(ctx, call)
		if err != nil {
			return nil, err
		}

		platforms, err := t.remote.AvailablePlatforms(ctx)
		if err != nil || len(platforms) == 0 {
			if err != nil && errors.Is(err, context.Canceled) {
				return nil, err
			}
			platforms = DefaultPlatforms
		}

		switch {
		case platform == "":
			if platform, err = askPlatform(ctx, call, platforms); err != nil {
				return nil, err
			}
		case !slices.Contains(platforms, platform):
			return nil, Errorf("Unknown platform %q: choose one of %s", platform, strings.Join(platforms, ", "))
		}

		b, err := t.remoteBuild(ctx, call, remote.BuildRequest{UUID: id.UUID, Config: cfg, Target: platform, Package: true})
		if err != nil {
			return nil, err
		}
		dir, err := t.fetchBuild(ctx, call, b, filepath.Join(ReleaseDir, platform))
		if err != nil {
			return nil, err
		}

		call.Logger().Info("Package for " + platform + " created in " + strconv.Quote(dir))
		return BuildResult{ID: b.ID, Target: platform, Dir: dir}, nil
	}
}

// prepare runs the checks shared by Build and Package.
func (t *Tasks) prepare(ctx context.Context, call *async.Call) ([]byte, Identity, error) {
	if err := t.project.RequireSrc(); err != nil {
		return nil, Identity{}, err
	}
	cfg, _, err := t.project.LoadConfig()
	if err != nil {
		return nil, Identity{}, err
	}
	id, err := t.project.LoadIdentity()
	if err != nil {
		return nil, Identity{}, err
	}
	if _, err := t.remote.CheckVersion(ctx); err != nil {
		return nil, Identity{}, err
	}
	if err := t.authenticate(ctx, call); err != nil {
		return nil, Identity{}, err
	}
	return cfg, id, nil
}

// authenticate logs in unless the session is already valid. A rejected
// login is retried with fresh answers.
func (t *Tasks) authenticate(ctx context.Context, call *async.Call) error {
	logger := call.Logger()
	if t.remote.Authenticated() {
		logger.Debug("already authenticated - continuing")
		return nil
	}
	ok, err := t.remote.LoggedIn(ctx)
	if err != nil {
		return err
	}
	if ok {
		logger.Debug("already authenticated via cookie - continuing")
		return nil
	}

	for attempt := 1; ; attempt++ {
		username, err := t.creds.Username(ctx)
		if err != nil {
			return err
		}
		password, err := t.creds.Password(ctx)
		if err != nil {
			return err
		}

		err = t.remote.Login(ctx, username, password)
		if err == nil {
			if t.onLogin != nil {
				if err := t.onLogin(username); err != nil {
					logger.Warn("Could not remember username: " + err.Error())
				}
			}
			return nil
		}

		var reqErr *remote.RequestError
		if !errors.As(err, &reqErr) || reqErr.Status == 0 || attempt >= t.loginAttempts {
			return err
		}
		logger.Warn("Login failed, please try again: " + reqErr.Message)
		t.creds.Rejected(ctx)
	}
}

// remoteBuild requests a build and polls until the server finishes it.
func (t *Tasks) remoteBuild(ctx context.Context, call *async.Call, req remote.BuildRequest) (remote.Build, error) {
	const label = "Building on server"
	logger := call.Logger()
	logger.Info("Starting new build")
	logger.Info("This could take a while")

	if err := call.ProgressStart(label); err != nil {
		return remote.Build{}, err
	}
	for {
		b, err := t.remote.RequestBuild(ctx, req)
		if err != nil {
			return b, err
		}
		if b.Messages != "" {
			logger.Warn(b.Messages)
		}

		switch {
		case b.State == remote.StateComplete:
			return b, call.ProgressEnd(label)
		case !b.Running():
			return b, Errorf("build failed: %s", b.LogOutput)
		}

		logger.Debug("build " + strconv.Itoa(b.ID) + " is " + b.State + "...")
		if err := call.Progress(label, stateFraction(b.State)); err != nil {
			return b, err
		}
		req.ID = b.ID
		if err := sleep(ctx, t.pollDelay); err != nil {
			return b, err
		}
	}
}

func stateFraction(state string) float64 {
	if state == remote.StateWorking {
		return 0.5
	}
	return 0.1
}

// fetchBuild downloads the build output and moves it into outDir,
// relative to the project.
func (t *Tasks) fetchBuild(ctx context.Context, call *async.Call, b remote.Build, outDir string) (string, error) {
	if b.FileOutput == "" {
		return "", Errorf("build %d finished without an output file", b.ID)
	}

	archive, err := t.download(ctx, call, "Downloading build", func(w io.Writer, progress remote.ProgressFunc) error {
		_, err := t.remote.Download(ctx, b.FileOutput, w, progress)
		return err
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(archive) }()

	staging := t.project.path(TemplateDir, strconv.Itoa(b.ID))
	if err := os.RemoveAll(staging); err != nil {
		return "", err
	}
	if err := t.extract(ctx, call, archive, staging); err != nil {
		return "", err
	}

	target := t.project.path(outDir)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	err = tryAFewTimes(ctx, t.moveAttempts, t.moveStep, func() error {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return os.Rename(staging, target)
	})
	if err != nil {
		return "", err
	}
	return outDir, nil
}

// fetchInitial downloads and unpacks the starting files of app uuid.
func (t *Tasks) fetchInitial(ctx context.Context, call *async.Call, uuid string) error {
	archive, err := t.download(ctx, call, "Fetching initial files", func(w io.Writer, progress remote.ProgressFunc) error {
		_, err := t.remote.FetchInitial(ctx, uuid, w, progress)
		return err
	})
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archive) }()

	if err := t.extract(ctx, call, archive, t.project.Dir); err != nil {
		return err
	}
	call.Logger().Debug("Extracted initial project template")
	return nil
}

// download runs fetch into a temporary zip file and reports progress. The
// caller removes the returned file.
func (t *Tasks) download(ctx context.Context, call *async.Call, label string, fetch func(io.Writer, remote.ProgressFunc) error) (string, error) {
	f, err := os.CreateTemp(t.project.Dir, ".forge-download-*.zip")
	if err != nil {
		return "", err
	}
	path := f.Name()
	fail := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}

	if err := call.ProgressStart(label); err != nil {
		return fail(err)
	}
	var emitErr error
	reported := -1.0
	err = fetch(f, func(done, total int64) {
		if total <= 0 || emitErr != nil {
			return
		}
		fraction := float64(done) / float64(total)
		if fraction-reported < 0.01 && fraction < 1 {
			return
		}
		reported = fraction
		emitErr = call.Progress(label, fraction)
	})
	if err == nil {
		err = emitErr
	}
	if err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	if err := call.ProgressEnd(label); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (t *Tasks) extract(ctx context.Context, call *async.Call, archive, dest string) error {
	const label = "Extracting files"
	if err := call.ProgressStart(label); err != nil {
		return err
	}
	var emitErr error
	err := Extract(ctx, archive, dest, func(done, total int) {
		if emitErr == nil {
			emitErr = call.Progress(label, float64(done)/float64(total))
		}
	})
	if err == nil {
		err = emitErr
	}
	if err != nil {
		return err
	}
	return call.ProgressEnd(label)
}

func askName(ctx context.Context, call *async.Call) (string, error) {
	answer, err := call.Ask(ctx, question.Schema{
		Description: "Create a new app",
		Properties: map[string]question.Property{
			"name": {Type: "string", Title: "App name", Description: "The name of your new app"},
		},
	})
	if err != nil {
		return "", err
	}
	name, _ := answer["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return "", Errorf("No app name given")
	}
	return name, nil
}

func askPlatform(ctx context.Context, call *async.Call, platforms []string) (string, error) {
	answer, err := call.Ask(ctx, question.Schema{
		Description: "Package your app",
		Properties: map[string]question.Property{
			"platform": {Type: "string", Title: "Platform", Description: "The platform to package for", Enum: platforms},
		},
	})
	if err != nil {
		return "", err
	}
	platform, _ := answer["platform"].(string)
	if !slices.Contains(platforms, platform) {
		return "", Errorf("Unknown platform %q", platform)
	}
	return platform, nil
}
