package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/astraforge/sandbox-core/internal/astra/app"
	"github.com/astraforge/sandbox-core/internal/astra/config"
)

// buildServeCmd creates the "serve" command that starts the HTTP API, the
// reaper sweep, and the CPU/storage accounting sampler as one process.
func buildServeCmd() *cobra.Command {
	var (
		configPath   string
		modelBaseURL string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator HTTP server",
		Long: `Start the orchestrator HTTP server.

This loads configuration, opens the persistence backend, wires the Sandbox
Lifecycle Manager and Agent Graph Driver, and serves the HTTP API (sandbox
exec/upload, session control, SSE event streams) until SIGINT/SIGTERM.

The reaper and accounting sampler run as background loops alongside the
HTTP listener.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, modelBaseURL)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML configuration file")
	cmd.Flags().StringVar(&modelBaseURL, "model-url", "http://localhost:9100", "Base URL of the model-proxy service the Agent Graph Driver calls")
	return cmd
}

func runServe(ctx context.Context, configPath, modelBaseURL string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	core, err := app.Build(ctx, cfg, modelBaseURL, configPath)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	defer core.Close()

	reapCtx, reapCancel := context.WithCancel(ctx)
	defer reapCancel()
	go core.Reaper.Run(reapCtx, cfg.Reaper.Interval)
	go core.Sampler.Run(reapCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- core.Server.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		if core.Log != nil {
			core.Log.Info(context.Background(), "shutdown signal received")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := core.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// buildReapCmd creates the "reap" command for an out-of-band single pass,
// useful for cron-driven deployments that don't want the reaper running
// inside the server process.
func buildReapCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run a single idle/lifetime reaper pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			core, err := app.Build(cmd.Context(), cfg, "", "")
			if err != nil {
				return fmt.Errorf("build core: %w", err)
			}
			defer core.Close()

			report, err := core.Reaper.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("reaper pass: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d sessions, terminated %d\n", report.Checked, report.Terminated)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML configuration file")
	return cmd
}

// buildMigrateCmd creates the "migrate" command. Both store backends apply
// their schema automatically on open (embedded SQL for SQLite,
// golang-migrate for Postgres), so this command exists to let operators
// trigger that step explicitly — e.g. as a separate pre-deploy job — without
// also starting the HTTP listener.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			core, err := app.Build(cmd.Context(), cfg, "", "")
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			defer core.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML configuration file")
	return cmd
}
