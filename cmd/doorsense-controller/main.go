// DoorSense Controller
// Main entry point for the door monitoring service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/doorsense/controller/internal/config"
	"github.com/doorsense/controller/internal/engine"
	"github.com/doorsense/controller/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

var (
	configFile string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "doorsense-controller",
		Short: "DoorSense Controller",
		Long:  "Door monitoring controller. Tracks door openings and indoor sensors over MQTT, estimates heat loss and runs the household gamification rules.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE:  printConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("DoorSense Controller v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (default: $"+config.PathEnvVar+" or ./doorsense.yaml)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	logging.Debug().Str("file", configFile).Str("level", cfg.Logging.Level).Msg("configuration loaded")

	engineCfg, err := engine.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	eng, err := engine.New(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logging.Info().Str("version", version).Str("database", engineCfg.DatabasePath).Msg("starting DoorSense controller")
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Wait for shutdown signal
	sig := <-sigChan
	logging.Info().Str("signal", sig.String()).Msg("shutting down")

	// a second signal skips the graceful shutdown
	go func() {
		sig := <-sigChan
		logging.Warn().Str("signal", sig.String()).Msg("forced exit")
		os.Exit(1)
	}()

	if err := eng.Stop(); err != nil {
		logging.Error().Err(err).Msg("error during shutdown")
	}

	logging.Info().Msg("shutdown complete")
	return nil
}

func printConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out, err := cfg.Dump()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
