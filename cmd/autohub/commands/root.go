// Package commands provides the CLI commands for the automation hub.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/autohub-io/autohub/internal/drivers"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel   string
	prettyLogs bool
)

// registry holds the installed driver and plugin factories. Embedders
// register their extensions before Execute runs.
var registry = drivers.NewRegistry()

var rootCmd = &cobra.Command{
	Use:   "autohub",
	Short: "autohub - multi-backend automation server",
	Long: `autohub is an automation server that exposes remote-control sessions
over HTTP and a bidirectional socket protocol, multiplexing clients onto
pluggable backend drivers.

Run 'autohub serve' to start the server.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Best-effort; the environment wins over the file.
		_ = godotenv.Load()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty-logs", false, "Human-readable console log output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("autohub %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(driversCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// RegisterDriver installs a driver factory. Call before Execute.
func RegisterDriver(f *drivers.DriverFactory) error {
	return registry.RegisterDriver(f)
}

// RegisterPlugin installs a plugin factory. Call before Execute.
func RegisterPlugin(f drivers.PluginFactory) error {
	return registry.RegisterPlugin(f)
}
