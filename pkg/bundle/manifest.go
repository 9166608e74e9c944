package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the optional backend.yaml shipped next to the backend.
//
// Example:
//
//	name: vehicle-lookup
//	version: 1.4.0
//	backend_dir: backend
//	script: app.py
//	executable:
//	  windows: app.exe
//	  macos: app
//	  linux: app
//	healthcheck:
//	  path: /health
//	announce_prefix: Backend started on port
//	environment:
//	  FLASK_ENV: production
type Manifest struct {
	// Name of the backend
	Name string `yaml:"name"`

	// Version of the backend build
	Version string `yaml:"version"`

	// Directory holding the backend artifacts (relative to the layout root)
	BackendDir string `yaml:"backend_dir"`

	// Development entry point
	Script string `yaml:"script"`

	// Virtualenv directory (relative to the development root)
	Venv string `yaml:"venv"`

	// Packaged executable name per platform
	Executable map[Platform]string `yaml:"executable"`

	// Health check configuration
	HealthCheck HealthCheckConfig `yaml:"healthcheck"`

	// Port announcement prefix printed by the backend on stdout
	AnnouncePrefix string `yaml:"announce_prefix"`

	// Environment variables for the backend process
	Environment map[string]string `yaml:"environment"`

	// Internal: Absolute path to manifest file (populated during load)
	manifestPath string `yaml:"-"`
}

// HealthCheckConfig defines health check parameters
type HealthCheckConfig struct {
	// HTTP path for health endpoint
	Path string `yaml:"path"`
}

// LoadManifest loads a manifest from a YAML file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	manifest.manifestPath = absPath

	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}

	return &manifest, nil
}

// Validate checks if the manifest is valid
func (m *Manifest) Validate() error {
	for platform, exe := range m.Executable {
		switch platform {
		case PlatformWindows, PlatformMacOS, PlatformLinux:
		default:
			return fmt.Errorf("executable: %w: %q", ErrUnsupportedPlatform, platform)
		}
		if exe == "" || strings.ContainsAny(exe, `/\`) {
			return fmt.Errorf("executable for %s must be a bare file name, got %q", platform, exe)
		}
	}

	if m.HealthCheck.Path != "" && !strings.HasPrefix(m.HealthCheck.Path, "/") {
		return fmt.Errorf("healthcheck.path must start with /, got %q", m.HealthCheck.Path)
	}

	for _, rel := range []string{m.BackendDir, m.Script, m.Venv} {
		if filepath.IsAbs(rel) {
			return fmt.Errorf("manifest paths must be relative, got %q", rel)
		}
	}

	return nil
}

// Files returns the artifact names for platform; empty fields mean "use the default"
func (m *Manifest) Files(platform Platform) Files {
	return Files{
		BackendDir: m.BackendDir,
		Script:     m.Script,
		VenvDir:    m.Venv,
		Executable: m.Executable[platform],
	}
}

// Apply returns layout with the manifest's names and environment merged in.
// Values already set on layout win over the manifest.
func (m *Manifest) Apply(layout Layout, platform Platform) Layout {
	layout.Files = mergeFiles(layout.Files, m.Files(platform))

	if len(m.Environment) > 0 {
		env := make(map[string]string, len(m.Environment)+len(layout.Env))
		for k, v := range m.Environment {
			env[k] = v
		}
		for k, v := range layout.Env {
			env[k] = v
		}
		layout.Env = env
	}

	return layout
}

// ManifestPath returns the absolute path to the manifest file
func (m *Manifest) ManifestPath() string {
	return m.manifestPath
}
