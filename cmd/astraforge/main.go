// Command astraforge runs the sandbox orchestrator: provisioning ephemeral
// Docker/cluster sandboxes, driving the agent conversation graph against
// them, and exposing both over HTTP.
//
// # Basic Usage
//
// Start the server:
//
//	astraforge serve --config astraforge.toml
//
// Run a single idle/lifetime reaper pass:
//
//	astraforge reap --config astraforge.toml
//
// # Environment Variables
//
// The full list lives in the config package doc; the most common are:
//
//   - ASTRAFORGE_DATABASE_DSN / SANDBOX_IMAGE / SANDBOX_DOCKER_NETWORK
//   - ASTRAFORGE_AUTH_JWT_SECRET
//   - COMPUTER_USE_ALLOWED_DOMAINS / COMPUTER_USE_BLOCKED_DOMAINS
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "astraforge",
		Short: "AstraForge sandbox orchestrator",
		Long: `AstraForge provisions ephemeral sandboxes (local Docker or a remote
cluster control plane), drives an agent conversation graph against them,
and streams results back over HTTP.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildReapCmd(),
		buildMigrateCmd(),
	)

	return rootCmd
}
