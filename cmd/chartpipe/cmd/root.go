package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"chartpipe/config"
	"chartpipe/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "chartpipe",
	Short: "Live candle pipeline for charting front ends",
	Long: `chartpipe keeps a streaming connection to a price source, reconciles the
updates into per-symbol candle series and reduces them into bounded view
windows for rendering.

Commands:
  run      - run the pipeline against a websocket or redis feed
  feed     - serve simulated prices for local development
  history  - inspect the candle journal
  config   - print the effective configuration`,
	SilenceUsage: true,
}

var (
	cfgFile  string
	logLevel string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file (env vars override it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
}

// loadConfig resolves the configuration and sets up the service logger.
func loadConfig(service string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log := logger.Init(service, logger.ParseLevel(cfg.LogLevel))
	return cfg, log, nil
}
