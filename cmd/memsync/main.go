package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentfleet/memsync/internal/app"
	"github.com/agentfleet/memsync/internal/config"
)

const (
	appName = "memsync"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Tiered memory persistence and cross-service sync core",
		Version: version,
		Long: `memsync persists agent memories and learning events across hot, warm and
cold storage tiers and replicates them to peer services over websockets.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/memsync.yaml", "Path to YAML config")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service",
		Long:  "Starts the HTTP edge, background sweeps, the insight pipeline and the sync fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one archive and expiry sweep, then exit",
		Long:  "Connects to the configured tiers, archives cold-eligible entries, purges expired ones and exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(configPath)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	a.Start()

	err = a.Wait(ctx)
	a.Stop()
	return err
}

func runSweep(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.Stop()

	archived, expired, err := a.SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	log.Info().Int("archived", archived).Int("expired", expired).Msg("sweep complete")
	return nil
}
