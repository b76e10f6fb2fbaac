// Package remote talks to the forge build API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mobilipia/build-tools/internal/log"
	"github.com/mobilipia/build-tools/internal/tracing"
)

const (
	DefaultMaxTries        = 4
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultTimeout         = 2 * time.Minute

	csrfCookie = "csrftoken"
)

// Client calls the build API. It keeps session cookies between calls and is
// safe for use by one task at a time.
type Client struct {
	base    *url.URL
	http    *http.Client
	version string
	tracer  trace.Tracer

	maxTries        uint
	initialInterval time.Duration

	authenticated atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. A cookie jar is added when it has
// none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithVersion sets the tools version reported to the server.
func WithVersion(v string) Option {
	return func(c *Client) { c.version = v }
}

// WithTracer records every request as a client span.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithRetry sets how often transient failures are retried.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(c *Client) {
		if maxTries > 0 {
			c.maxTries = maxTries
		}
		if initial > 0 {
			c.initialInterval = initial
		}
	}
}

// New creates a Client for the API rooted at server.
func New(server string, opts ...Option) (*Client, error) {
	base, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	c := &Client{
		base:            base,
		version:         "0.0.0",
		tracer:          noop.NewTracerProvider().Tracer("remote"),
		maxTries:        DefaultMaxTries,
		initialInterval: DefaultInitialInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultTimeout}
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	return c, nil
}

// Server returns the API base URL.
func (c *Client) Server() string { return c.base.String() }

// Hostname returns the API host.
func (c *Client) Hostname() string { return c.base.Hostname() }

// Authenticated reports whether a login or cookie check succeeded.
func (c *Client) Authenticated() bool { return c.authenticated.Load() }

// resolve turns an API-relative path into an absolute URL. Absolute URLs
// pass through.
func (c *Client) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", ref, err)
	}
	return c.base.ResolveReference(u), nil
}

// envelope is the JSON wrapper of every API answer.
type envelope struct {
	Result string `json:"result"`
	Text   string `json:"text"`
	Errors any    `json:"errors"`
}

// apiGet calls an API endpoint and decodes its JSON answer into out.
func (c *Client) apiGet(ctx context.Context, path string, query url.Values, out any) error {
	return c.api(ctx, http.MethodGet, path, query, nil, out)
}

// apiPost posts form to an API endpoint and decodes its JSON answer into out.
// The tools version and CSRF token are added to every post.
func (c *Client) apiPost(ctx context.Context, path string, form url.Values, out any) error {
	return c.api(ctx, http.MethodPost, path, nil, form, out)
}

func (c *Client) api(ctx context.Context, method, path string, query, form url.Values, out any) error {
	u, err := c.resolve(path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	body, status, err := c.do(ctx, method, u, form)
	if err != nil {
		return err
	}
	return c.checkAPIResponse(method, u, status, body, out)
}

// checkAPIResponse turns a non-2xx status, a non-JSON body or an
// {"result": "error"} answer into a *RequestError.
func (c *Client) checkAPIResponse(method string, u *url.URL, status int, body []byte, out any) error {
	reqErr := func(msg string, errs any) *RequestError {
		return &RequestError{Method: method, URL: u.String(), Status: status, Message: msg, Errors: errs, Content: string(body)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status < 200 || status > 299 {
			return reqErr(fmt.Sprintf("%s to %s failed: status code %d", method, u, status), nil)
		}
		return reqErr(fmt.Sprintf("Server meant to respond with JSON, but response content was: %s", truncate(string(body), 200)), nil)
	}
	if env.Result == "error" {
		reason := env.Text
		if reason == "" {
			reason = "unknown error"
		}
		return reqErr(fmt.Sprintf("Forge API call to %s went wrong: %s", u.Path, reason), env.Errors)
	}
	if status < 200 || status > 299 {
		return reqErr(fmt.Sprintf("%s to %s failed: status code %d", method, u, status), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return reqErr(fmt.Sprintf("decoding answer from %s: %v", u.Path, err), nil)
	}
	return nil
}

// do sends the request, retrying network errors and 5xx answers with
// exponential backoff. It returns the body of the final answer.
func (c *Client) do(ctx context.Context, method string, u *url.URL, form url.Values) ([]byte, int, error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanPrefixRemote+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(tracing.AttrHTTPMethod, method),
			attribute.String(tracing.AttrHTTPPath, u.Path),
		),
	)
	defer span.End()

	type answer struct {
		body   []byte
		status int
	}

	var last answer
	attempt := 0
	op := func() (answer, error) {
		attempt++
		resp, err := c.send(ctx, method, u, form)
		if err != nil {
			if ctx.Err() != nil {
				return answer{}, backoff.Permanent(ctx.Err())
			}
			log.Ctx(ctx).Warn(log.CatRemote, "Request failed", "method", method, "url", u.String(), "attempt", attempt, "error", err)
			return answer{}, &RequestError{Method: method, URL: u.String(), Message: fmt.Sprintf("Request to %s got no response: %v", u, err)}
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return answer{}, &RequestError{Method: method, URL: u.String(), Status: resp.StatusCode, Message: fmt.Sprintf("reading response from %s: %v", u, err)}
		}
		a := answer{body: body, status: resp.StatusCode}
		last = a
		if resp.StatusCode >= 500 {
			log.Ctx(ctx).Warn(log.CatRemote, "Server error", "method", method, "url", u.String(), "status", resp.StatusCode, "attempt", attempt)
			return a, &RequestError{Method: method, URL: u.String(), Status: resp.StatusCode, Message: fmt.Sprintf("%s to %s failed: status code %d", method, u, resp.StatusCode), Content: string(body)}
		}
		return a, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(policy), backoff.WithMaxTries(c.maxTries))
	if last.status != 0 {
		span.SetAttributes(attribute.Int(tracing.AttrHTTPStatus, last.status))
	}

	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr) && reqErr.Status >= 500:
		// The last 5xx body still goes through the API error check, which
		// keeps any message the server sent.
		span.SetStatus(codes.Error, reqErr.Message)
		return last.body, last.status, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, err
	}
	return last.body, last.status, nil
}

func (c *Client) send(ctx context.Context, method string, u *url.URL, form url.Values) (*http.Response, error) {
	var body io.Reader
	if method == http.MethodPost {
		data := url.Values{}
		for k, v := range form {
			data[k] = v
		}
		data.Set("build_tools_version", c.version)
		if token := c.csrfToken(); token != "" {
			data.Set("csrfmiddlewaretoken", token)
		}
		body = strings.NewReader(data.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Referer", u.String())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	log.Ctx(ctx).Debug(log.CatRemote, method+" "+u.String())
	return c.http.Do(req)
}

func (c *Client) csrfToken() string {
	for _, cookie := range c.http.Jar.Cookies(c.base) {
		if cookie.Name == csrfCookie {
			return cookie.Value
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
