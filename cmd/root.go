package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel string
	dataDir  string
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "descentreg",
	Short: "Point-set registration by regular-step gradient descent",
	Long: `descentreg aligns point sets with translation, affine or displacement
field transforms using gradient descent with automatic parameter scales,
learning-rate estimation and windowed convergence monitoring.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		logger = slog.New(handler)
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory for run checkpoints and traces")
}
