package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel string
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "policyfit",
	Short: "Finite-difference calibration of economic policy parameters",
	Long: `policyfit tunes named policy parameters against a black-box loss, typically
an expensive macro-epidemic simulation, using gradient descent or Adam over
finite-difference gradients. Runs can be checkpointed, resumed and served
as background jobs.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(logLevel)
	},
}

// setupLogger installs the default JSON logger. Logs go to stderr so stdout
// carries only results.
func setupLogger(name string) {
	var level slog.Level
	switch name {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewJSONHandler(os.Stderr, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}
