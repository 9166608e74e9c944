package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jrepp/deskhost/pkg/bundle"
	"github.com/jrepp/deskhost/pkg/launcher"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show how the backend would be launched",
	Long:  `Resolve the backend invocation for the configured mode and this platform without starting it.`,
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	mode := cfg.RunMode()
	platform := currentPlatform()

	plan, err := planBackend(slog.Default(), platform)
	if err != nil {
		uiInstance.Error(fmt.Sprintf("Cannot resolve backend: %v", err))
		return err
	}

	var extraArgs []string
	if cfg.PortPolicy() == launcher.PortPolicyFixed {
		extraArgs = append(extraArgs, launcher.PortArg(cfg.Port.Default))
	}

	lc, err := bundle.Resolve(mode, platform, plan.layout, extraArgs...)
	if err != nil {
		uiInstance.Error(fmt.Sprintf("Cannot resolve backend: %v", err))
		return err
	}

	uiInstance.Header("Backend invocation")

	table := uiInstance.NewTable("Setting", "Value")
	table.AddRow("Mode", string(mode))
	table.AddRow("Platform", string(platform))
	table.AddRow("Command", lc.Command)
	if lc.Interpreted() {
		table.AddRow("Script", lc.Script)
	}
	table.AddRow("Arguments", strings.Join(lc.Args, " "))
	table.AddRow("Working dir", lc.Dir)
	table.AddRow("Port policy", string(cfg.PortPolicy()))
	table.AddRow("Health check", plan.healthPath)
	table.Render()

	if cfg.File != "" {
		uiInstance.Subtle("Config: " + cfg.File)
	} else {
		uiInstance.Subtle("Config: defaults (no deskhost.yaml found)")
	}

	if _, err := os.Stat(lc.Command); err != nil {
		uiInstance.Warning(fmt.Sprintf("Command does not exist yet: %s", lc.Command))
	}
	return nil
}
