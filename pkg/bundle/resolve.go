// Package bundle locates the backend server inside a development checkout or a
// packaged desktop application.
//
// Resolution is a pure function of (run mode, platform, layout): it performs
// no I/O and never checks whether the resolved files exist. Existence checks
// belong to the launcher, which fails fast before spawning anything.
//
// # Layouts
//
// Development mode runs the backend script through the project virtualenv:
//
//	<dev_root>/venv/bin/python3 <dev_root>/backend/app.py          (macos, linux)
//	<dev_root>/venv/Scripts/python.exe <dev_root>/backend/app.py   (windows)
//
// Production mode runs the frozen binary shipped in the app resources:
//
//	<resources>/backend/app       (macos, linux)
//	<resources>/backend/app.exe   (windows)
//
// File names can be overridden per platform with a backend.yaml manifest, see
// LoadManifest.
package bundle

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Mode selects how the backend is run
type Mode string

const (
	// ModeDevelopment runs the backend script with the project interpreter
	ModeDevelopment Mode = "development"
	// ModeProduction runs the packaged backend executable
	ModeProduction Mode = "production"
)

// Platform is the host operating system family
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
)

var (
	// ErrUnsupportedPlatform is returned for platforms outside windows, macos and linux
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrUnsupportedMode is returned for run modes other than development and production
	ErrUnsupportedMode = errors.New("unsupported run mode")

	// ErrRelativeRoot is returned when a layout root is not an absolute path
	ErrRelativeRoot = errors.New("layout root must be an absolute path")
)

// ParseMode converts a configuration value into a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDevelopment:
		return ModeDevelopment, nil
	case ModeProduction:
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

// PlatformFromGOOS maps a runtime.GOOS value to a Platform
func PlatformFromGOOS(goos string) (Platform, error) {
	switch goos {
	case "windows":
		return PlatformWindows, nil
	case "darwin":
		return PlatformMacOS, nil
	case "linux":
		return PlatformLinux, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, goos)
	}
}

// Files names the backend artifacts relative to the layout roots
type Files struct {
	// BackendDir holds the script (development) or the executable (production)
	BackendDir string

	// Script is the interpreted entry point used in development mode
	Script string

	// VenvDir is the virtualenv directory under the development root
	VenvDir string

	// Executable is the packaged binary name used in production mode
	Executable string
}

// DefaultFiles returns the file names for the given platform
func DefaultFiles(platform Platform) Files {
	exe := "app"
	if platform == PlatformWindows {
		exe = "app.exe"
	}
	return Files{
		BackendDir: "backend",
		Script:     "app.py",
		VenvDir:    "venv",
		Executable: exe,
	}
}

// Layout describes where the backend lives on disk
type Layout struct {
	// DevRoot is the project checkout used in development mode
	DevRoot string

	// ResourcesDir is the packaged application's resources directory
	ResourcesDir string

	// Files overrides artifact names; zero fields fall back to DefaultFiles
	Files Files

	// Env is merged into the child environment
	Env map[string]string
}

// LaunchConfig is the resolved invocation of the backend process.
// It is built once and treated as immutable afterwards.
type LaunchConfig struct {
	// Command is the absolute path of the program to execute
	Command string

	// Args are passed to Command, in order
	Args []string

	// Script is the interpreted entry point (development mode only)
	Script string

	// Dir is the working directory of the child
	Dir string

	// Env holds KEY=VALUE pairs appended to the parent environment
	Env []string
}

// Interpreted reports whether Command runs a script rather than a native binary
func (lc LaunchConfig) Interpreted() bool {
	return lc.Script != ""
}

// String renders the invocation for logs
func (lc LaunchConfig) String() string {
	parts := append([]string{lc.Command}, lc.Args...)
	return strings.Join(parts, " ")
}

// BackendDir returns the directory holding the backend artifacts for mode
func BackendDir(mode Mode, layout Layout) (string, error) {
	files := layout.Files
	if files.BackendDir == "" {
		files.BackendDir = "backend"
	}

	switch mode {
	case ModeDevelopment:
		if !filepath.IsAbs(layout.DevRoot) {
			return "", fmt.Errorf("%w: dev root %q", ErrRelativeRoot, layout.DevRoot)
		}
		return filepath.Join(layout.DevRoot, files.BackendDir), nil
	case ModeProduction:
		if !filepath.IsAbs(layout.ResourcesDir) {
			return "", fmt.Errorf("%w: resources dir %q", ErrRelativeRoot, layout.ResourcesDir)
		}
		return filepath.Join(layout.ResourcesDir, files.BackendDir), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

// Resolve maps (mode, platform, layout) to the backend invocation.
// extraArgs are appended after the resolved arguments (e.g. a port hint).
func Resolve(mode Mode, platform Platform, layout Layout, extraArgs ...string) (LaunchConfig, error) {
	switch platform {
	case PlatformWindows, PlatformMacOS, PlatformLinux:
	default:
		return LaunchConfig{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}

	files := mergeFiles(layout.Files, DefaultFiles(platform))
	layout.Files = files

	backendDir, err := BackendDir(mode, layout)
	if err != nil {
		return LaunchConfig{}, err
	}

	var lc LaunchConfig
	switch mode {
	case ModeDevelopment:
		venv := filepath.Join(layout.DevRoot, files.VenvDir)
		if platform == PlatformWindows {
			lc.Command = filepath.Join(venv, "Scripts", "python.exe")
		} else {
			lc.Command = filepath.Join(venv, "bin", "python3")
		}
		lc.Script = filepath.Join(backendDir, files.Script)
		lc.Args = []string{lc.Script}
		lc.Dir = backendDir

	case ModeProduction:
		lc.Command = filepath.Join(backendDir, files.Executable)
		lc.Dir = backendDir
	}

	lc.Args = append(lc.Args, extraArgs...)
	lc.Env = envList(layout.Env)

	return lc, nil
}

// mergeFiles fills zero fields of f from defaults
func mergeFiles(f, defaults Files) Files {
	if f.BackendDir == "" {
		f.BackendDir = defaults.BackendDir
	}
	if f.Script == "" {
		f.Script = defaults.Script
	}
	if f.VenvDir == "" {
		f.VenvDir = defaults.VenvDir
	}
	if f.Executable == "" {
		f.Executable = defaults.Executable
	}
	return f
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
