package forge

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobilipia/build-tools/internal/controller"
	"github.com/mobilipia/build-tools/internal/remote"
)

// fakeRemote plays the build server.
type fakeRemote struct {
	mu sync.Mutex

	authenticated bool
	cookieSession bool
	accounts      map[string]string
	logins        []string
	versionErr    error

	builds    []remote.Build
	requests  []remote.BuildRequest
	platforms []string
	archive   []byte
	created   []string
}

func (f *fakeRemote) Hostname() string { return "forge.test" }

func (f *fakeRemote) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeRemote) CheckVersion(ctx context.Context) (remote.VersionCheck, error) {
	if f.versionErr != nil {
		return remote.VersionCheck{}, f.versionErr
	}
	return remote.VersionCheck{Result: "ok"}, nil
}

func (f *fakeRemote) LoggedIn(ctx context.Context) (bool, error) {
	return f.cookieSession, nil
}

func (f *fakeRemote) Login(ctx context.Context, email, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, email)
	if pw, ok := f.accounts[email]; !ok || pw != password {
		return &remote.RequestError{Method: "POST", URL: "auth/verify", Status: 200, Message: "Invalid email or password"}
	}
	f.authenticated = true
	return nil
}

func (f *fakeRemote) CreateApp(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return "uuid-1", nil
}

func (f *fakeRemote) RequestBuild(ctx context.Context, req remote.BuildRequest) (remote.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	b := f.builds[0]
	if len(f.builds) > 1 {
		f.builds = f.builds[1:]
	}
	return b, nil
}

func (f *fakeRemote) AvailablePlatforms(ctx context.Context) ([]string, error) {
	return f.platforms, nil
}

func (f *fakeRemote) Download(ctx context.Context, ref string, w io.Writer, progress remote.ProgressFunc) (int64, error) {
	return f.send(w, progress)
}

func (f *fakeRemote) FetchInitial(ctx context.Context, uuid string, w io.Writer, progress remote.ProgressFunc) (int64, error) {
	return f.send(w, progress)
}

func (f *fakeRemote) send(w io.Writer, progress remote.ProgressFunc) (int64, error) {
	n, err := w.Write(f.archive)
	if progress != nil {
		progress(int64(n), int64(len(f.archive)))
	}
	return int64(n), err
}

func buildSequence(id int, files string) []remote.Build {
	return []remote.Build{
		{ID: id, State: remote.StatePending},
		{ID: id, State: remote.StateWorking, Messages: "Using cached templates"},
		{ID: id, State: remote.StateComplete, FileOutput: "https://forge.test/files/" + files},
	}
}

func newTasks(t *testing.T, r *fakeRemote, dir string, opts ...Option) *Tasks {
	t.Helper()
	creds := NewCredentials("https://forge.test/api/", newAnswerCache(), time.Minute)
	opts = append([]Option{WithDir(dir), WithPollDelay(0), WithMoveRetry(2, time.Millisecond)}, opts...)
	return New(r, creds, opts...)
}

func projectDir(t *testing.T) string {
	t.Helper()
	return newProject(t, map[string]string{
		"src/config.json":   `{"name": "demo"}`,
		"src/identity.json": `{"uuid": "uuid-1"}`,
	}).Dir
}

func TestBuild_PollsAndUnpacksIntoDevelopment(t *testing.T) {
	dir := projectDir(t)
	r := &fakeRemote{
		authenticated: true,
		builds:        buildSequence(42, "dev.zip"),
		archive:       zipBytes(t, map[string]string{"android/app.apk": "apk", "web/index.html": "<html>"}),
	}
	p := &scriptedPresenter{}

	out := runTask(t, p, "build", newTasks(t, r, dir).Build(false, "web"))
	require.Equal(t, controller.StatusDone, out.Status, "%+v", out.Error)
	require.Equal(t, BuildResult{ID: 42, Target: "web", Dir: DevelopmentDir}, out.Data)

	data, err := os.ReadFile(filepath.Join(dir, DevelopmentDir, "web", "index.html"))
	require.NoError(t, err)
	require.Equal(t, "<html>", string(data))
	require.NoDirExists(t, filepath.Join(dir, TemplateDir, "42"))

	require.Len(t, r.requests, 3)
	require.Zero(t, r.requests[0].ID)
	require.Equal(t, 42, r.requests[2].ID)
	require.JSONEq(t, `{"name": "demo"}`, string(r.requests[0].Config))
	require.Equal(t, "web", r.requests[0].Target)
	require.False(t, r.requests[0].Package)

	require.Contains(t, p.logs, "WARN Using cached templates")
	require.Contains(t, p.progress, "end:Building on server")
	require.Contains(t, p.progress, "end:Downloading build")
}

func TestBuild_FullReplacesPreviousOutput(t *testing.T) {
	dir := projectDir(t)
	stale := filepath.Join(dir, DevelopmentDir, "stale.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, TemplateDir, "7"), 0o755))

	r := &fakeRemote{
		authenticated: true,
		builds:        buildSequence(8, "dev.zip"),
		archive:       zipBytes(t, map[string]string{"fresh.txt": "new"}),
	}
	out := runTask(t, &scriptedPresenter{}, "build", newTasks(t, r, dir).Build(true, ""))
	require.Equal(t, controller.StatusDone, out.Status, "%+v", out.Error)

	require.NoFileExists(t, stale)
	require.FileExists(t, filepath.Join(dir, DevelopmentDir, "fresh.txt"))
	require.NoDirExists(t, filepath.Join(dir, TemplateDir, "7"))
}

func TestBuild_ServerFailure(t *testing.T) {
	r := &fakeRemote{
		authenticated: true,
		builds:        []remote.Build{{ID: 3, State: "failed", LogOutput: "syntax error in config"}},
	}
	out := runTask(t, &scriptedPresenter{}, "build", newTasks(t, r, projectDir(t)).Build(false, ""))
	require.Equal(t, controller.StatusFailed, out.Status)
	require.Equal(t, "build failed: syntax error in config", out.Error.Message)
	require.True(t, out.Error.Expected)
}

func TestBuild_RequiresSource(t *testing.T) {
	r := &fakeRemote{authenticated: true}
	out := runTask(t, &scriptedPresenter{}, "build", newTasks(t, r, t.TempDir()).Build(false, ""))
	require.Equal(t, controller.StatusFailed, out.Status)
	require.Contains(t, out.Error.Message, "have you run forge create yet?")
	require.Empty(t, r.requests)
}

func TestBuild_UpdateRequired(t *testing.T) {
	r := &fakeRemote{versionErr: &remote.UpdateRequiredError{Version: Version, Message: "please upgrade"}}
	out := runTask(t, &scriptedPresenter{}, "build", newTasks(t, r, projectDir(t)).Build(false, ""))
	require.Equal(t, controller.StatusFailed, out.Status)
	require.Empty(t, r.requests)
}

func TestAuthenticate_RetriesRejectedLogin(t *testing.T) {
	r := &fakeRemote{
		accounts: map[string]string{"dev@example.com": "right"},
		builds:   []remote.Build{{ID: 1, State: remote.StateComplete, FileOutput: "x"}},
		archive:  zipBytes(t, map[string]string{"a.txt": "a"}),
	}
	p := &scriptedPresenter{answers: map[string][]string{
		"username": {"dev@example.com", "dev@example.com"},
		"password": {"wrong", "right"},
	}}
	var remembered string
	tasks := newTasks(t, r, projectDir(t), WithLoginHook(func(username string) error {
		remembered = username
		return nil
	}))

	out := runTask(t, p, "build", tasks.Build(false, ""))
	require.Equal(t, controller.StatusDone, out.Status, "%+v", out.Error)
	require.Equal(t, []string{"dev@example.com", "dev@example.com"}, r.logins)
	require.Equal(t, "dev@example.com", remembered)
	require.Contains(t, p.logs, "WARN Login failed, please try again: Invalid email or password")
}

func TestAuthenticate_GivesUpAfterRepeatedRejections(t *testing.T) {
	r := &fakeRemote{accounts: map[string]string{}}
	p := &scriptedPresenter{answers: map[string][]string{
		"username": {"a@example.com", "b@example.com", "c@example.com"},
		"password": {"1", "2", "3"},
	}}

	out := runTask(t, p, "build", newTasks(t, r, projectDir(t)).Build(false, ""))
	require.Equal(t, controller.StatusFailed, out.Status)
	require.Equal(t, "Invalid email or password", out.Error.Message)
	require.Len(t, r.logins, DefaultLoginAttempts)
}

func TestAuthenticate_CookieSessionSkipsLogin(t *testing.T) {
	r := &fakeRemote{
		cookieSession: true,
		builds:        []remote.Build{{ID: 1, State: remote.StateComplete, FileOutput: "x"}},
		archive:       zipBytes(t, map[string]string{"a.txt": "a"}),
	}
	p := &scriptedPresenter{}
	out := runTask(t, p, "build", newTasks(t, r, projectDir(t)).Build(false, ""))
	require.Equal(t, controller.StatusDone, out.Status, "%+v", out.Error)
	require.Empty(t, r.logins)
	require.Empty(t, p.askedFields())
}

func TestCreate_LaysOutProject(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRemote{
		authenticated: true,
		archive:       zipBytes(t, map[string]string{"src/index.html": "<html>"}),
	}
	p := &scriptedPresenter{answers: map[string][]string{"name": {"  My App "}}}

	out := runTask(t, p, "create", newTasks(t, r, dir).Create(""))
	require.Equal(t, controller.StatusDone, out.Status, "%+v", out.Error)
	require.Equal(t, CreateResult{UUID: "uuid-1", Name: "My App"}, out.Data)
	require.Equal(t, []string{"My App"}, r.created)

	project := Project{Dir: dir}
	id, err := project.LoadIdentity()
	require.NoError(t, err)
	require.Equal(t, "uuid-1", id.UUID)
	_, name, err := project.LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "My App", name)
	require.FileExists(t, filepath.Join(dir, SrcDir, "index.html"))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".forge-download-*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestCreate_RefusesExistingSource(t *testing.T) {
	r := &fakeRemote{authenticated: true}
	out := runTask(t, &scriptedPresenter{}, "create", newTasks(t, r, projectDir(t)).Create("demo"))
	require.Equal(t, controller.StatusFailed, out.Status)
	require.Contains(t, out.Error.Message, "already exists")
	require.Empty(t, r.created)
}

func TestPackage_AsksForPlatform(t *testing.T) {
	dir := projectDir(t)
	r := &fakeRemote{
		authenticated: true,
		platforms:     []string{"android", "ios"},
		builds:        buildSequence(9, "release.zip"),
		archive:       zipBytes(t, map[string]string{"app.apk": "apk"}),
	}
	p := &scriptedPresenter{answers: map[string][]string{"platform": {"android"}}}

	out := runTask(t, p, "package", newTasks(t, r, dir).Package(""))
	require.Equal(t, controller.StatusDone, out.Status, "%+v", out.Error)

	want := filepath.Join(ReleaseDir, "android")
	require.Equal(t, BuildResult{ID: 9, Target: "android", Dir: want}, out.Data)
	require.FileExists(t, filepath.Join(dir, want, "app.apk"))
	require.True(t, r.requests[0].Package)
	require.Equal(t, "android", r.requests[0].Target)
}

func TestPackage_UnknownPlatform(t *testing.T) {
	r := &fakeRemote{authenticated: true}
	out := runTask(t, &scriptedPresenter{}, "package", newTasks(t, r, projectDir(t)).Package("symbian"))
	require.Equal(t, controller.StatusFailed, out.Status)
	require.Contains(t, out.Error.Message, `Unknown platform "symbian"`)
	require.Contains(t, out.Error.Message, "android, ios, web")
	require.Empty(t, r.requests)
}

func TestVersionCheck(t *testing.T) {
	p := &scriptedPresenter{}
	out := runTask(t, p, "version-check", newTasks(t, &fakeRemote{}, t.TempDir()).VersionCheck())
	require.Equal(t, controller.StatusDone, out.Status)
	require.Contains(t, p.logs, "INFO Forge tools are up to date")
}
