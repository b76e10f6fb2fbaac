package forge

import (
	"context"
	"fmt"
	"time"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/cachemanager"
	"github.com/mobilipia/build-tools/internal/question"
)

// AnswerKey identifies a cached answer: one field for one server.
type AnswerKey string

func answerKey(server, field string) AnswerKey {
	return AnswerKey(server + "#" + field)
}

type prompt struct {
	field  string
	schema question.Schema
}

// Credentials supplies the login for a server. Values given up front are
// used as-is; missing ones are asked for through the running call, once,
// and kept in the answer cache.
type Credentials struct {
	server   string
	username string
	password string
	ttl      time.Duration
	answers  *cachemanager.ReadThroughCache[AnswerKey, string, prompt]
}

// CredentialsOption configures Credentials.
type CredentialsOption func(*Credentials)

// WithUsername presets the username (from a flag or the config file).
func WithUsername(u string) CredentialsOption {
	return func(c *Credentials) { c.username = u }
}

// WithPassword presets the password (from a flag).
func WithPassword(p string) CredentialsOption {
	return func(c *Credentials) { c.password = p }
}

// NewCredentials creates Credentials for server. Answers live in cache for
// ttl; a zero ttl asks every time.
func NewCredentials(server string, cache cachemanager.CacheManager[AnswerKey, string], ttl time.Duration, opts ...CredentialsOption) *Credentials {
	c := &Credentials{server: server, ttl: ttl}
	for _, opt := range opts {
		opt(c)
	}
	c.answers = cachemanager.NewReadThroughCache[AnswerKey, string, prompt](cache, askField, ttl <= 0)
	return c
}

var (
	usernameQuestion = question.Schema{
		Description: "Login with the Forge service",
		Properties: map[string]question.Property{
			"username": {
				Type:        "string",
				Title:       "Username",
				Description: "This is the email address you used to sign up to trigger.io.",
			},
		},
	}
	passwordQuestion = question.Schema{
		Description: "Login with the Forge service",
		Properties: map[string]question.Property{
			"password": {
				Type:        "string",
				Title:       "Password",
				Description: "The password you use to login to trigger.io.",
				Masked:      true,
			},
		},
	}
)

// Username returns the preset username or asks for it.
func (c *Credentials) Username(ctx context.Context) (string, error) {
	if c.username != "" {
		return c.username, nil
	}
	return c.answers.Get(ctx, answerKey(c.server, "username"), prompt{field: "username", schema: usernameQuestion}, c.ttl)
}

// Password returns the preset password or asks for it.
func (c *Credentials) Password(ctx context.Context) (string, error) {
	if c.password != "" {
		return c.password, nil
	}
	return c.answers.Get(ctx, answerKey(c.server, "password"), prompt{field: "password", schema: passwordQuestion}, c.ttl)
}

// Rejected drops the answers the server refused, so the next attempt asks
// again. Preset values are dropped too: they were wrong.
func (c *Credentials) Rejected(ctx context.Context) {
	c.username, c.password = "", ""
	_ = c.answers.Forget(ctx, answerKey(c.server, "username"))
	_ = c.answers.Forget(ctx, answerKey(c.server, "password"))
}

// askField asks p's question through the call running under ctx.
func askField(ctx context.Context, p prompt) (string, error) {
	call, ok := async.FromContext(ctx)
	if !ok {
		return "", fmt.Errorf("cannot ask for %s outside a running task", p.field)
	}
	answer, err := call.Ask(ctx, p.schema)
	if err != nil {
		return "", err
	}
	v, ok := answer[p.field].(string)
	if !ok || v == "" {
		return "", Errorf("No %s given", p.field)
	}
	return v, nil
}
