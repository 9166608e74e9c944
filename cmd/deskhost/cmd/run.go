package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/jrepp/deskhost/pkg/bridge"
	"github.com/jrepp/deskhost/pkg/bundle"
	"github.com/jrepp/deskhost/pkg/config"
	"github.com/jrepp/deskhost/pkg/health"
	"github.com/jrepp/deskhost/pkg/launcher"
	"github.com/jrepp/deskhost/pkg/logsink"
	"github.com/jrepp/deskhost/pkg/readiness"
	"github.com/jrepp/deskhost/pkg/secretgate"
	"github.com/jrepp/deskhost/pkg/supervisor"
)

// shutdownMargin is added to the grace period when bounding Shutdown
const shutdownMargin = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch and supervise the backend",
	Long: `Launch the backend, wait until it is healthy and keep it running until
deskhost receives SIGINT or SIGTERM or the backend exits.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("port-policy", "", "announce (read the port from stdout) or fixed (pass --port)")
	runCmd.Flags().Int("port", 0, "fixed port, or the fallback when no port is announced")
	runCmd.Flags().String("bridge", "", "listen address for the readiness and metrics server")

	mustBind("port.policy", runCmd.Flags().Lookup("port-policy"))
	mustBind("port.default", runCmd.Flags().Lookup("port"))
	mustBind("bridge.listen", runCmd.Flags().Lookup("bridge"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return reportConfigFatal(slog.Default(), newPresenter(slog.Default(), cfg.Paths.Resources), err)
	}
	if cfg.File != "" {
		logger.Info("loaded config", "file", cfg.File)
	}
	presenter := newPresenter(logger, cfg.Paths.Resources)

	mode := cfg.RunMode()
	platform := currentPlatform()

	plan, err := planBackend(logger, platform)
	if err != nil {
		return reportConfigFatal(logger, presenter, err)
	}

	sink, err := logsink.Open(cfg.Log.LogDir(logsink.DefaultDir(config.AppName)), logsink.DefaultFileName)
	if err != nil {
		return reportConfigFatal(logger, presenter, err)
	}
	defer sink.Close()
	logger.Info("backend output is logged", "path", sink.Path(), "session", sink.Session())

	uiInstance.Info(fmt.Sprintf("Starting %s backend on %s", mode, platform))
	uiInstance.Subtle("Backend log: " + sink.Path())

	metrics := supervisor.NewPrometheusMetricsCollector(config.AppName)

	poller := health.NewPoller(
		health.WithPath(plan.healthPath),
		health.WithInterval(cfg.Health.Interval),
		health.WithMaxAttempts(cfg.Health.MaxAttempts),
		health.WithRequestTimeout(cfg.Health.RequestTimeout),
		health.WithLogger(logger),
		health.WithAttemptHook(supervisor.HealthAttemptHook(metrics)),
	)

	opts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithMetricsCollector(metrics),
		supervisor.WithPoller(poller),
		supervisor.WithPresenter(presenter),
		supervisor.WithSpawner(supervisor.LauncherSpawner(
			launcher.WithLogger(logger),
			launcher.WithSink(sink),
		)),
	}

	if cfg.Secrets.Enabled {
		// An unresolvable backend dir is reported by the controller itself
		if backendDir, err := bundle.BackendDir(mode, plan.layout); err == nil {
			ciphertext, plaintext := cfg.SecretPaths(backendDir)
			opts = append(opts, supervisor.WithSecretGate(secretgate.New(secretgate.Config{
				KeyEnv:         cfg.Secrets.KeyEnv,
				CiphertextPath: ciphertext,
				PlaintextPath:  plaintext,
			}, secretgate.WithLogger(logger))))
		}
	}

	var tp *sdktrace.TracerProvider
	if cfg.Telemetry.Tracing {
		traceFile, err := os.OpenFile(filepath.Join(filepath.Dir(sink.Path()), "traces.json"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return reportConfigFatal(logger, presenter, fmt.Errorf("open trace file: %w", err))
		}
		defer traceFile.Close()

		tp, err = supervisor.NewTracerProvider(cmd.Context(), config.AppName, Version, traceFile)
		if err != nil {
			return reportConfigFatal(logger, presenter, err)
		}
		opts = append(opts, supervisor.WithTracerProvider(tp))
	}

	ctrl := supervisor.New(supervisor.Config{
		Mode:            mode,
		Platform:        platform,
		Layout:          plan.layout,
		PortPolicy:      cfg.PortPolicy(),
		DefaultPort:     cfg.Port.Default,
		AnnouncePrefix:  plan.announcePrefix,
		AnnounceTimeout: cfg.Port.AnnounceTimeout,
		GracePeriod:     cfg.Shutdown.GracePeriod,
	}, opts...)

	sub := ctrl.Readiness().Subscribe(consoleSurface(mode, cfg.UI.DevURL))
	defer sub.Cancel()

	if cfg.Bridge.Listen != "" {
		srv := bridge.New(cfg.Bridge.Listen, ctrl.Readiness(),
			bridge.WithGatherer(metrics.Registry()),
			bridge.WithStateFunc(func() string { return ctrl.State().String() }),
			bridge.WithLogger(logger))
		if err := srv.Start(); err != nil {
			return reportConfigFatal(logger, presenter, err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startErr := ctrl.Start(ctx)
	if startErr == nil {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case <-ctrl.Done():
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod+shutdownMargin)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Error("backend shutdown failed", "error", err)
	}

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}

	if fatal := ctrl.Fatal(); fatal != nil {
		return fatal
	}
	if startErr != nil && !supervisor.IsStopped(startErr) {
		return startErr
	}
	logger.Info("deskhost stopped", "state", ctrl.State())
	return nil
}

// currentPlatform maps runtime.GOOS; unsupported systems pass through so the
// controller reports them as a configuration failure.
func currentPlatform() bundle.Platform {
	platform, err := bundle.PlatformFromGOOS(runtime.GOOS)
	if err != nil {
		return bundle.Platform(runtime.GOOS)
	}
	return platform
}

// backendPlan is the layout and health settings after the manifest is applied
type backendPlan struct {
	layout         bundle.Layout
	healthPath     string
	announcePrefix string
}

// planBackend builds the layout from config and merges the bundle manifest
func planBackend(logger *slog.Logger, platform bundle.Platform) (backendPlan, error) {
	layout, err := cfg.Layout()
	if err != nil {
		return backendPlan{}, err
	}

	plan := backendPlan{
		layout:         layout,
		healthPath:     cfg.Health.Path,
		announcePrefix: cfg.Port.AnnouncePrefix,
	}
	if cfg.Paths.Manifest == "" {
		return plan, nil
	}

	manifest, err := bundle.LoadManifest(cfg.Paths.Manifest)
	if err != nil {
		return backendPlan{}, err
	}
	plan.layout = manifest.Apply(layout, platform)
	if manifest.HealthCheck.Path != "" {
		plan.healthPath = manifest.HealthCheck.Path
	}
	if manifest.AnnouncePrefix != "" {
		plan.announcePrefix = manifest.AnnouncePrefix
	}
	logger.Info("loaded backend manifest",
		"path", manifest.ManifestPath(),
		"name", manifest.Name,
		"version", manifest.Version)
	return plan, nil
}

// iconPath returns the application icon shipped in the resources directory, if any
func iconPath(resourcesDir string) string {
	if resourcesDir == "" {
		return ""
	}
	icon := filepath.Join(resourcesDir, "icon.png")
	if _, err := os.Stat(icon); err != nil {
		return ""
	}
	return icon
}

// consoleSurface prints readiness changes for a terminal user
func consoleSurface(mode bundle.Mode, devURL string) readiness.Surface {
	return readiness.SurfaceFunc(func(r readiness.Readiness) {
		if !r.Ready {
			uiInstance.Warning("Backend is not available")
			return
		}
		uiInstance.Success("Backend ready")
		uiInstance.KeyValue("Backend URL", r.BaseURL)
		if mode == bundle.ModeDevelopment && devURL != "" {
			uiInstance.KeyValue("UI dev server", devURL)
		}
	})
}

