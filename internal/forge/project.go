package forge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Project layout, relative to the working directory.
const (
	SrcDir         = "src"
	AppConfigFile  = "config.json"   // inside SrcDir
	IdentityFile   = "identity.json" // inside SrcDir
	DevelopmentDir = "development"
	ReleaseDir     = "release"
	TemplateDir    = ".template"
)

// Identity ties a local project to its app on the server.
type Identity struct {
	UUID string `json:"uuid"`
}

// Project is an app directory on disk.
type Project struct {
	Dir string
}

func (p Project) path(elem ...string) string {
	return filepath.Join(append([]string{p.Dir}, elem...)...)
}

// SrcPath is the app's source directory.
func (p Project) SrcPath() string { return p.path(SrcDir) }

// HasSrc reports whether the source directory exists.
func (p Project) HasSrc() bool {
	info, err := os.Stat(p.SrcPath())
	return err == nil && info.IsDir()
}

// RequireSrc fails with an Error when there is no source directory.
func (p Project) RequireSrc() error {
	if !p.HasSrc() {
		return Errorf("Source folder %q does not exist - have you run forge create yet?", SrcDir)
	}
	return nil
}

// LoadConfig reads src/config.json. The raw bytes are returned as sent to
// the server; the name is decoded for display.
func (p Project) LoadConfig() (json.RawMessage, string, error) {
	file := filepath.Join(SrcDir, AppConfigFile)
	data, err := os.ReadFile(p.path(file))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", Errorf("No app configuration found at %s: are you currently in the right directory?", file)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", file, err)
	}

	var cfg struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, "", Errorf("Your configuration file (%s) is malformed:\n%v", file, err)
	}
	return json.RawMessage(data), cfg.Name, nil
}

// LoadIdentity reads src/identity.json.
func (p Project) LoadIdentity() (Identity, error) {
	file := filepath.Join(SrcDir, IdentityFile)
	data, err := os.ReadFile(p.path(file))
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, Errorf("No identity file found at %s: was this app created with forge create?", file)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("reading %s: %w", file, err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil || id.UUID == "" {
		return Identity{}, Errorf("Your identity file (%s) is malformed", file)
	}
	return id, nil
}

// WriteIdentity writes src/identity.json.
func (p Project) WriteIdentity(id Identity) error {
	return writeJSONFile(p.path(SrcDir, IdentityFile), id)
}

// EnsureConfig writes a minimal src/config.json unless one exists.
func (p Project) EnsureConfig(name string) error {
	file := p.path(SrcDir, AppConfigFile)
	if _, err := os.Stat(file); err == nil {
		return nil
	}
	return writeJSONFile(file, map[string]any{
		"name":        name,
		"version":     "0.1",
		"description": "",
	})
}

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
