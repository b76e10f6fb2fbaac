// Package config provides configuration types and defaults for forge.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/mobilipia/build-tools/internal/log"
	"github.com/mobilipia/build-tools/internal/tracing"
)

// ErrVerboseAndQuiet is returned when both output modes are requested.
var ErrVerboseAndQuiet = errors.New("verbose and quiet cannot both be set")

// Config holds all configuration options for forge.
type Config struct {
	// Server is the base URL of the remote build API.
	Server string `mapstructure:"server"`

	Verbose bool `mapstructure:"verbose"`
	Quiet   bool `mapstructure:"quiet"`

	// Username is used for login without asking. The password is never
	// stored; it comes from --password or a question.
	Username string `mapstructure:"username"`

	// SupportContact is shown after an unexpected failure.
	SupportContact string `mapstructure:"support_contact"`

	// ErrorLogFile receives the buffered log of a run that failed unexpectedly.
	ErrorLogFile string `mapstructure:"error_log_file"`

	// DebugLog, when set, receives every log entry as it happens.
	DebugLog string `mapstructure:"debug_log"`

	// EventLog, when set, receives every call event as a JSON line.
	EventLog string `mapstructure:"event_log"`

	// LintCommand is the linter forge check runs; the JS files are appended.
	LintCommand []string `mapstructure:"lint_command"`

	PollInterval   time.Duration `mapstructure:"poll_interval"`    // controller and response-wait tick
	JoinTimeout    time.Duration `mapstructure:"join_timeout"`     // wait for a task after interrupt
	BuildPollDelay time.Duration `mapstructure:"build_poll_delay"` // delay between remote build state checks

	History HistoryConfig `mapstructure:"history"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// HistoryConfig controls the local record of past runs.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // SQLite database file
}

// CacheConfig controls how long question answers are reused.
type CacheConfig struct {
	// TTL of a cached answer. Zero disables the answer cache.
	TTL time.Duration `mapstructure:"ttl"`
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stderr", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/forge/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// ProviderConfig converts t into the tracing provider's config.
func (t TracingConfig) ProviderConfig() tracing.Config {
	return tracing.Config{
		Enabled:      t.Enabled,
		Exporter:     t.Exporter,
		FilePath:     t.FilePath,
		OTLPEndpoint: t.OTLPEndpoint,
		SampleRate:   t.SampleRate,
		ServiceName:  tracing.DefaultServiceName,
	}
}

// Dir returns ~/.config/forge, or an empty string if the home dir is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "forge")
}

func inDir(elem ...string) string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(append([]string{dir}, elem...)...)
}

// DefaultConfigPath returns ~/.config/forge/config.yaml.
func DefaultConfigPath() string { return inDir("config.yaml") }

// DefaultHistoryPath returns ~/.config/forge/history.db.
func DefaultHistoryPath() string { return inDir("history.db") }

// DefaultTracesFilePath returns ~/.config/forge/traces/traces.jsonl.
func DefaultTracesFilePath() string { return inDir("traces", "traces.jsonl") }

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server:         "https://trigger.io/api/",
		SupportContact: "support@trigger.io",
		ErrorLogFile:   "forge-error.log",
		PollInterval:   time.Second,
		JoinTimeout:    5 * time.Second,
		BuildPollDelay: 10 * time.Second,
		LintCommand:    []string{"jshint", "--reporter=unix"},
		History: HistoryConfig{
			Enabled: true,
			Path:    DefaultHistoryPath(),
		},
		Cache: CacheConfig{
			TTL: 30 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     DefaultTracesFilePath(),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// SetDefaults registers Defaults() on v so unset keys fall back to them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server", d.Server)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("quiet", d.Quiet)
	v.SetDefault("username", d.Username)
	v.SetDefault("support_contact", d.SupportContact)
	v.SetDefault("error_log_file", d.ErrorLogFile)
	v.SetDefault("debug_log", d.DebugLog)
	v.SetDefault("event_log", d.EventLog)
	v.SetDefault("lint_command", d.LintCommand)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("join_timeout", d.JoinTimeout)
	v.SetDefault("build_poll_delay", d.BuildPollDelay)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Verbose && c.Quiet {
		return ErrVerboseAndQuiet
	}

	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server must be an http(s) URL, got %q", c.Server)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("join_timeout must be positive, got %v", c.JoinTimeout)
	}
	if c.BuildPollDelay < 0 {
		return fmt.Errorf("build_poll_delay must not be negative, got %v", c.BuildPollDelay)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %v", c.Cache.TTL)
	}
	if len(c.LintCommand) == 0 || c.LintCommand[0] == "" {
		return fmt.Errorf("lint_command must name a program")
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	return ValidateTracing(c.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	switch tracing.Exporter {
	case "", "none", "file", "stderr", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stderr\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
	}

	// Path requirements only matter when tracing is on.
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Forge build tools configuration

# Remote build API
server: https://trigger.io/api/

# Login email; asked for when empty and remembered after a successful login
# username: you@example.com

# Output: verbose shows debug logs and tracebacks, quiet shows warnings and errors only
verbose: false
quiet: false

# Written only when something goes wrong that we didn't expect
error_log_file: forge-error.log
support_contact: support@trigger.io

# Append every log entry to this file as it happens
# debug_log: /tmp/forge-debug.log

# Append every task event to this file as a JSON line
# event_log: /tmp/forge-events.jsonl

# Linter run by forge check; the src/*.js files are appended
# lint_command: [jshint, --reporter=unix]

# Timing
poll_interval: 1s      # how often waits re-check for cancellation
join_timeout: 5s       # how long to wait for a task after Ctrl-C
build_poll_delay: 10s  # delay between remote build status checks

# Local record of past runs (see: forge history)
history:
  enabled: true
  # path: ~/.config/forge/history.db

# Answers to login questions are reused for this long
cache:
  ttl: 30m

# Tracing of task runs
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stderr, stdout, otlp (default: file)
#   file_path: ~/.config/forge/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
