// Package cmd provides the CLI commands for deskhost
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jrepp/deskhost/pkg/alert"
	"github.com/jrepp/deskhost/pkg/config"
	"github.com/jrepp/deskhost/pkg/supervisor"
	"github.com/jrepp/deskhost/pkg/ui"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=1.2.3"
var Version = "dev"

var (
	cfgFile    string
	loader     = config.NewLoader()
	cfg        *config.Config
	uiInstance *ui.UI
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "deskhost",
	Short: "deskhost - supervise a desktop application's local backend",
	Long: `deskhost launches the application's backend process, discovers the port it
listens on, waits for it to report healthy and tells the UI where to find it.
The backend is always terminated when deskhost exits.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if uiInstance == nil {
			uiInstance = ui.New()
		}

		var err error
		cfg, err = loader.Load(cfgFile)
		if err != nil {
			err = fmt.Errorf("load config: %w", err)
			if cmd == runCmd {
				return reportConfigFatal(slog.Default(), newPresenter(slog.Default(), ""), err)
			}
			uiInstance.Error(err.Error())
			return err
		}

		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.deskhost/deskhost.yaml)")
	rootCmd.PersistentFlags().String("mode", "", "run mode: development or production")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	mustBind("mode", rootCmd.PersistentFlags().Lookup("mode"))
	mustBind("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func mustBind(key string, flag *pflag.Flag) {
	if err := loader.BindFlag(key, flag); err != nil {
		panic(err)
	}
}

// newPresenter builds the fatal-error surface for run. Tests replace it to
// keep desktop dialogs out of the test run.
var newPresenter = func(logger *slog.Logger, resourcesDir string) alert.Presenter {
	return alert.Multi{
		alert.NewDesktop(iconPath(resourcesDir), logger),
		alert.NewConsole(uiInstance),
	}
}

// reportConfigFatal logs and presents a configuration failure that happened
// before the supervisor could run, and returns it as a fatal error.
func reportConfigFatal(logger *slog.Logger, presenter alert.Presenter, err error) error {
	fe := &supervisor.FatalError{Kind: supervisor.KindConfiguration, Err: err}
	logger.Error("deskhost failed to start", "kind", fe.Kind, "error", err)
	if perr := presenter.Fatal(fe.Title(), fe.Message()); perr != nil {
		logger.Warn("failed to present fatal error", "error", perr)
	}
	return fe
}

// newLogger builds deskhost's own logger from the log settings
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("app", config.AppName), nil
}
