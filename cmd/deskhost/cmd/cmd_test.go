package cmd

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/deskhost/pkg/alert"
	"github.com/jrepp/deskhost/pkg/bundle"
	"github.com/jrepp/deskhost/pkg/config"
	"github.com/jrepp/deskhost/pkg/readiness"
	"github.com/jrepp/deskhost/pkg/supervisor"
	"github.com/jrepp/deskhost/pkg/ui"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "pid", 42)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, "deskhost", record["app"])
	assert.EqualValues(t, 42, record["pid"])
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "loud", Format: "text"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestSealPaths(t *testing.T) {
	root := t.TempDir()
	cfg = &config.Config{
		Mode:  string(bundle.ModeDevelopment),
		Paths: config.PathsConfig{DevRoot: root},
	}
	t.Cleanup(func() { cfg = nil })

	src, dst, err := sealPaths(nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "backend", ".env"), src)
	assert.Equal(t, filepath.Join(root, "backend", ".env.enc"), dst)

	src, dst, err = sealPaths([]string{"in.env", "out.enc"})
	require.NoError(t, err)
	assert.Equal(t, "in.env", src)
	assert.Equal(t, "out.enc", dst)
}

func TestConsoleSurface(t *testing.T) {
	var out bytes.Buffer
	uiInstance = ui.NewWithWriters(&out, &out)
	t.Cleanup(func() { uiInstance = nil })

	surface := consoleSurface(bundle.ModeDevelopment, "http://localhost:5173")
	surface.Deliver(readiness.Readiness{BaseURL: "http://localhost:5001", Ready: true})

	assert.Contains(t, out.String(), "http://localhost:5001")
	assert.Contains(t, out.String(), "http://localhost:5173")

	out.Reset()
	surface.Deliver(readiness.Readiness{Ready: false})
	assert.Contains(t, out.String(), "not available")
}

// consoleOnly swaps the UI and presenter for a buffer-backed console
func consoleOnly(t *testing.T) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	uiInstance = ui.NewWithWriters(&out, &out)

	prev := newPresenter
	newPresenter = func(*slog.Logger, string) alert.Presenter {
		return alert.NewConsole(uiInstance)
	}
	t.Cleanup(func() {
		uiInstance = nil
		newPresenter = prev
	})
	return &out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	c := &config.Config{
		Mode:   string(bundle.ModeDevelopment),
		Paths:  config.PathsConfig{DevRoot: root, Resources: root},
		Health: config.HealthConfig{Path: "/health"},
		Log:    config.LogConfig{Level: "error", Format: "text", Dir: filepath.Join(root, "logs")},
	}
	cfg = c
	t.Cleanup(func() { cfg = nil })
	return c
}

func TestRun_InvalidManifestIsPresented(t *testing.T) {
	out := consoleOnly(t)
	c := testConfig(t)

	manifest := filepath.Join(t.TempDir(), "backend.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("executable:\n  solaris: app\n"), 0644))
	c.Paths.Manifest = manifest

	err := runRun(runCmd, nil)
	require.Error(t, err)

	fe, ok := supervisor.AsFatal(err)
	require.True(t, ok, "expected a fatal error, got %v", err)
	assert.Equal(t, supervisor.KindConfiguration, fe.Kind)
	assert.ErrorIs(t, err, bundle.ErrUnsupportedPlatform)

	assert.Contains(t, out.String(), "Configuration error")
	assert.Contains(t, out.String(), "solaris")
}

func TestRun_UnwritableLogDirIsPresented(t *testing.T) {
	out := consoleOnly(t)
	c := testConfig(t)

	// a regular file where the log directory should be
	blocker := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	c.Log.Dir = blocker

	err := runRun(runCmd, nil)
	fe, ok := supervisor.AsFatal(err)
	require.True(t, ok, "expected a fatal error, got %v", err)
	assert.Equal(t, supervisor.KindConfiguration, fe.Kind)
	assert.Contains(t, out.String(), "Configuration error")
}

func TestRoot_ConfigLoadFailureIsPresented(t *testing.T) {
	out := consoleOnly(t)

	prev := cfgFile
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { cfgFile = prev })

	err := rootCmd.PersistentPreRunE(runCmd, nil)
	fe, ok := supervisor.AsFatal(err)
	require.True(t, ok, "expected a fatal error, got %v", err)
	assert.Equal(t, supervisor.KindConfiguration, fe.Kind)
	assert.Contains(t, out.String(), "Configuration error")
	assert.Contains(t, out.String(), "load config")
}

func TestResolve_PrintsInvocation(t *testing.T) {
	if _, err := bundle.PlatformFromGOOS(runtime.GOOS); err != nil {
		t.Skip("unsupported platform")
	}
	out := consoleOnly(t)
	testConfig(t)

	require.NoError(t, runResolve(resolveCmd, nil))
	assert.Contains(t, out.String(), "Backend invocation")
	assert.Contains(t, out.String(), "app.py")
	assert.Contains(t, out.String(), "Config: defaults")
	assert.Contains(t, out.String(), "Command does not exist yet")
}
