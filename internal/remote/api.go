package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/mobilipia/build-tools/internal/log"
)

// Build states reported by the server.
const (
	StatePending  = "pending"
	StateWorking  = "working"
	StateComplete = "complete"
)

// VersionCheck is the server's verdict on this tools version.
type VersionCheck struct {
	Result  string `json:"result"`
	Message string `json:"message"`
	Upgrade string `json:"upgrade"` // "", "optional" or "required"
}

// CheckVersion asks the server whether this version of the tools may be
// used. It returns *UpdateRequiredError when an upgrade is mandatory.
func (c *Client) CheckVersion(ctx context.Context) (VersionCheck, error) {
	var vc VersionCheck
	path := "version_check/" + strings.ReplaceAll(c.version, ".", "/") + "/"
	if err := c.apiGet(ctx, path, nil, &vc); err != nil {
		return vc, err
	}

	if vc.Result != "ok" {
		log.Ctx(ctx).Info(log.CatRemote, "Upgrade check failed.")
		return vc, nil
	}
	if vc.Upgrade != "" {
		log.Ctx(ctx).Info(log.CatRemote, "Update result: "+vc.Message)
	} else {
		log.Ctx(ctx).Debug(log.CatRemote, "Update result: "+vc.Message)
	}
	if vc.Upgrade == "required" {
		return vc, &UpdateRequiredError{Version: c.version, Message: vc.Message}
	}
	return vc, nil
}

// LoggedIn reports whether the session cookie is still valid.
func (c *Client) LoggedIn(ctx context.Context) (bool, error) {
	var resp struct {
		LoggedIn bool `json:"loggedin"`
	}
	if err := c.apiGet(ctx, "auth/loggedin", nil, &resp); err != nil {
		return false, err
	}
	if resp.LoggedIn {
		c.authenticated.Store(true)
	}
	return resp.LoggedIn, nil
}

// Login verifies the credentials and keeps the session cookie.
func (c *Client) Login(ctx context.Context, email, password string) error {
	log.Ctx(ctx).Info(log.CatRemote, fmt.Sprintf("authenticating as %q", email))

	// auth/hello hands out the CSRF cookie that auth/verify needs.
	if err := c.apiGet(ctx, "auth/hello", nil, nil); err != nil {
		return err
	}
	if err := c.apiPost(ctx, "auth/verify", url.Values{"email": {email}, "password": {password}}, nil); err != nil {
		return err
	}

	log.Ctx(ctx).Info(log.CatRemote, "authentication successful")
	c.authenticated.Store(true)
	return nil
}

// Logout ends the server session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.apiPost(ctx, "auth/logout", nil, nil)
	c.authenticated.Store(false)
	return err
}

// CreateApp registers a new app and returns its uuid.
func (c *Client) CreateApp(ctx context.Context, name string) (string, error) {
	log.Ctx(ctx).Info(log.CatRemote, fmt.Sprintf("Registering new app %q with %s...", name, c.Hostname()))

	var resp struct {
		UUID string `json:"uuid"`
	}
	if err := c.apiPost(ctx, "app/", url.Values{"name": {name}}, &resp); err != nil {
		return "", err
	}
	if resp.UUID == "" {
		return "", &RequestError{Method: http.MethodPost, URL: c.Server() + "app/", Message: "server did not return an app uuid"}
	}
	return resp.UUID, nil
}

// BuildRequest asks the server to build an app for one target.
type BuildRequest struct {
	UUID    string
	Config  json.RawMessage // contents of src/config.json
	Target  string
	Package bool
	ID      int // previous build id when polling; 0 starts a new build
}

// Build is the server's view of one build.
type Build struct {
	ID         int    `json:"id"`
	State      string `json:"state"`
	Messages   string `json:"messages"`
	LogOutput  string `json:"log_output"`
	FileOutput string `json:"file_output"`
}

// Running reports whether the build is still in progress.
func (b Build) Running() bool {
	return b.State == StatePending || b.State == StateWorking
}

// RequestBuild starts a build, or polls it when req.ID is set.
func (c *Client) RequestBuild(ctx context.Context, req BuildRequest) (Build, error) {
	form := url.Values{
		"config": {string(req.Config)},
		"target": {req.Target},
	}
	if req.ID != 0 {
		form.Set("id", strconv.Itoa(req.ID))
	}
	if req.Package {
		form.Set("package", "true")
	}

	var b Build
	err := c.apiPost(ctx, "app/"+url.PathEscape(req.UUID)+"/build", form, &b)
	return b, err
}

// AvailablePlatforms lists the targets the server can build, sorted.
func (c *Client) AvailablePlatforms(ctx context.Context) ([]string, error) {
	var resp struct {
		Result    string          `json:"result"`
		Platforms json.RawMessage `json:"platforms"`
	}
	if err := c.apiGet(ctx, "available_platforms", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Result != "ok" || len(resp.Platforms) == 0 {
		return nil, nil
	}

	// Older servers send a list, newer ones a map keyed by platform.
	var list []string
	if err := json.Unmarshal(resp.Platforms, &list); err == nil {
		sort.Strings(list)
		return list, nil
	}
	var byName map[string]any
	if err := json.Unmarshal(resp.Platforms, &byName); err != nil {
		return nil, fmt.Errorf("decoding platforms: %w", err)
	}
	for name := range byName {
		list = append(list, name)
	}
	sort.Strings(list)
	return list, nil
}

// ProgressFunc is called as a download advances. total is -1 when the
// server did not send a length.
type ProgressFunc func(done, total int64)

// Download streams ref (an absolute URL or an API path) into w.
func (c *Client) Download(ctx context.Context, ref string, w io.Writer, progress ProgressFunc) (int64, error) {
	u, err := c.resolve(ref)
	if err != nil {
		return 0, err
	}

	resp, err := c.downloadResponse(ctx, u)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	total := resp.ContentLength
	log.Ctx(ctx).Debug(log.CatRemote, "Fetching file", "url", u.String(), "length", total)

	var done int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return done, fmt.Errorf("writing download: %w", err)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if readErr == io.EOF {
			return done, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return done, ctx.Err()
			}
			return done, fmt.Errorf("downloading %s: %w", u, readErr)
		}
	}
}

// FetchInitial downloads the starting project archive of a new app.
func (c *Client) FetchInitial(ctx context.Context, uuid string, w io.Writer, progress ProgressFunc) (int64, error) {
	log.Ctx(ctx).Info(log.CatRemote, "Fetching initial project template")
	return c.Download(ctx, "app/"+url.PathEscape(uuid)+"/initial_files/", w, progress)
}

// downloadResponse opens the download without buffering the body.
// Downloads are not retried.
func (c *Client) downloadResponse(ctx context.Context, u *url.URL) (*http.Response, error) {
	resp, err := c.send(ctx, http.MethodGet, u, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{Method: http.MethodGet, URL: u.String(), Message: fmt.Sprintf("Request to %s got no response: %v", u, err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &RequestError{
			Method:  http.MethodGet,
			URL:     u.String(),
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("Request to %s went wrong, error code: %d", u, resp.StatusCode),
			Content: string(body),
		}
	}
	return resp, nil
}
