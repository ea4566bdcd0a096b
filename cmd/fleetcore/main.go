// Fleet Core - DataPower appliance fleet management
//
// This is the main entry point for the fleetcore binary. It serves the
// HTTP/WebSocket API, consumes device notifications from MQTT and runs
// fleet tasks (resync, domain sync, firmware deployment, reboot) in one
// work area per device group.
//
// Subcommands:
//   - serve (default): run the service until SIGINT/SIGTERM
//   - migrate: apply pending schema migrations, or roll back with --down
//   - token: mint an access token for an operator
//   - version: print build information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on Ctrl+C and SIGTERM so serve can shut down gracefully.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command without a
// subcommand is the same as "serve".
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "fleetcore",
		Short:         "Fleet Core - DataPower appliance fleet management",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(),
		"configuration file (env FLEETCORE_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API, notification ingestion and task scheduler",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath)
			},
		},
		newMigrateCmd(&configPath),
		newTokenCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "fleetcore %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// getConfigPath returns the configuration file path.
// Uses FLEETCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
