package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/app"
	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/telemetry"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Outbound call campaign orchestrator",
	Long:  `Schedules outbound call campaigns, dispatches calls within concurrency limits and delivers lifecycle webhooks.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, dispatcher, webhook delivery and admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), (*app.Container).Serve)
	},
}

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Run webhook delivery and event replay only",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), (*app.Container).Deliver)
	},
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Create the Kafka event topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		container, err := app.Build(ctx, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to bootstrap application: %w", err)
		}
		defer container.Close(context.Background())
		return container.EnsureTopics(ctx)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}
		fmt.Printf("Configuration is valid\n")
		fmt.Printf("  Storage:   %s\n", cfg.Storage.Driver)
		fmt.Printf("  Telephony: %s\n", cfg.Telephony.Provider)
		fmt.Printf("  HTTP port: %d\n", cfg.HTTP.Port)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orchestrator version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", getEnv("CONFIG_FILE", "configs/config.yaml"), "config file path")
	rootCmd.AddCommand(serveCmd, deliverCmd, topicsCmd, configValidateCmd, versionCmd)
}

func run(parent context.Context, mode func(*app.Container, context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := app.Build(ctx, cfgFile)
	if err != nil {
		return fmt.Errorf("failed to bootstrap application: %w", err)
	}
	defer container.Close(context.Background())

	if container.Config.App.Version == "dev" {
		container.Config.App.Version = version
	}
	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), container.Config.Telemetry.ShutdownTimeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			container.Logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	return mode(container, ctx)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
