// Command paywatch runs the checkout dispatcher, status pollers and control API.
package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/observability"
)

const (
	defaultConfigPath    = "config/app.yaml"
	paywatchLoggerPrefix = "paywatch "
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "paywatch",
		Short:         "Checkout dispatch and payment status reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(snapshotsCmd(&configPath))
	return rootCmd
}

func newPaywatchLogger(out io.Writer) *log.Logger {
	return log.New(out, paywatchLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

// newSlogLogger builds the structured logger the components log through.
func newSlogLogger(out io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func installLogger(out io.Writer, cfg config.LoggingConfig) {
	observability.SetLogger(observability.NewSlogLogger(newSlogLogger(out, cfg)))
}
