package main

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/logging"
)

var (
	configPath string
	envFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "recall",
	Short:         "Tiered conversational memory",
	Long:          `Recall stores chat turns across a session cache, a durable store and a vector index, and assembles reply context from all three.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logFailure(os.Stderr, err)
		os.Exit(1)
	}
}

func logFailure(w io.Writer, err error) {
	logger := logging.New(w, logging.Config{Level: "error", Format: "json"})
	logger.Error().Err(err).Msg("command failed")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// loadConfig resolves the config and builds the process logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, zerolog.Nop(), err
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, logging.New(os.Stderr, cfg.Log), nil
}
