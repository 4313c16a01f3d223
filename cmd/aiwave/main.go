package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/antoniostano/aiwave/internal/config"
	"github.com/antoniostano/aiwave/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:           "aiwave",
	Short:         "Voice receptionist for small businesses",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, callCmd, businessesCmd, bookingsCmd)
}

func main() {
	// A missing .env is normal in deployed environments.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "aiwave:", err)
		os.Exit(1)
	}
}

// loadRuntime reads the configuration and builds the process logger.
func loadRuntime() (config.Config, *log.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	logger, err := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	log.SetDefault(logger)
	return cfg, logger, nil
}
