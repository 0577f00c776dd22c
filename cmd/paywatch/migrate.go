package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/infra/persistence/migrations"
)

const (
	defaultMigrationsPath   = "db/migrations"
	defaultMigrationTimeout = 30 * time.Second
)

type migrateFlags struct {
	dsn     string
	dir     string
	timeout time.Duration
	quiet   bool
}

func migrateCmd(configPath *string) *cobra.Command {
	var flags migrateFlags
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back PostgreSQL snapshot migrations",
	}
	cmd.PersistentFlags().StringVar(&flags.dsn, "database", "", "PostgreSQL DSN (defaults to database.dsn from the config)")
	cmd.PersistentFlags().StringVar(&flags.dir, "path", defaultMigrationsPath, "Directory containing SQL migrations")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", defaultMigrationTimeout, "Maximum time to wait for database connectivity")
	cmd.PersistentFlags().BoolVar(&flags.quiet, "quiet", false, "Suppress informational logs")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigration(cmd.Context(), *configPath, flags, func(ctx context.Context, dsn string, logger *log.Logger) error {
				return migrations.Apply(ctx, dsn, flags.dir, logger)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back the most recent migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(args)
			if err != nil {
				return err
			}
			return runMigration(cmd.Context(), *configPath, flags, func(ctx context.Context, dsn string, logger *log.Logger) error {
				return migrations.Rollback(ctx, dsn, flags.dir, steps, logger)
			})
		},
	})
	return cmd
}

func runMigration(parent context.Context, configPath string, flags migrateFlags, run func(context.Context, string, *log.Logger) error) error {
	if strings.TrimSpace(flags.dir) == "" {
		return errors.New("--path flag is required")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, flags.timeout)
	defer cancel()

	dsn, err := migrationDSN(ctx, flags.dsn, resolveConfigPath(configPath))
	if err != nil {
		return err
	}

	var logger *log.Logger
	if !flags.quiet {
		logger = log.New(os.Stdout, "paywatch-migrate ", log.LstdFlags)
	}
	return run(ctx, dsn, logger)
}

// migrationDSN prefers the explicit flag and falls back to the configured database.
func migrationDSN(ctx context.Context, flagValue, configPath string) (string, error) {
	if dsn := strings.TrimSpace(flagValue); dsn != "" {
		return dsn, nil
	}
	cfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Database.DSN, nil
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid down steps %q: %w", args[0], err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("down steps must be positive, got %d", n)
	}
	return n, nil
}
