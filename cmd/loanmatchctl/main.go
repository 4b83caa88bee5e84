// Command loanmatchctl runs pipeline operations against the configured
// database without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"loanmatch-backend/internal/bootstrap"
	"loanmatch-backend/internal/shared/config"
	"loanmatch-backend/internal/shared/telemetry"
)

var (
	configFile string
	jsonLogs   bool
	waitFor    time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loanmatchctl",
	Short: "Operate the loan matching pipeline",
	Long: `loanmatchctl processes documents, reruns matching and exports results
using the same configuration as the API server.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().DurationVar(&waitFor, "wait", 30*time.Minute, "How long to wait for background work")
}

// loadConfig reads configuration the way the server does, with the CLI
// overrides applied.
func loadConfig() (config.Config, error) {
	if configFile != "" {
		if err := os.Setenv("CONFIG_FILE", configFile); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if _, err := telemetry.Init(jsonLogs || cfg.LogJSON, cfg.LogDebug); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// withApp builds the app with in-process dispatch, runs fn and waits for any
// background work fn started.
func withApp(ctx context.Context, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.DispatchMode = "inline"
	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()
	defer telemetry.Sync()

	runErr := fn(ctx, app)

	waitCtx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := app.Engine.Shutdown(waitCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("waiting for background work: %w", err)
	}
	return runErr
}
