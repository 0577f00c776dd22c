package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/infra/config"
)

func snapshotsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect and maintain persisted payment snapshots",
	}
	cmd.AddCommand(snapshotsListCmd(configPath))
	cmd.AddCommand(snapshotsSweepCmd(configPath))
	return cmd
}

func snapshotsListCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unexpired snapshots in the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSnapshotStore(cmd.Context(), *configPath, func(ctx context.Context, store *snapshotStore) error {
				snaps, err := store.ListAll(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(snaps)
				}
				return printSnapshots(cmd.OutOrStdout(), snaps, time.Now())
			})
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func snapshotsSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete snapshots whose TTL elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSnapshotStore(cmd.Context(), *configPath, func(ctx context.Context, store *snapshotStore) error {
				removed, err := store.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired snapshots\n", removed)
				return nil
			})
		},
	}
}

func withSnapshotStore(ctx context.Context, configPath string, fn func(context.Context, *snapshotStore) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadOrDefault(ctx, resolveConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	installLogger(os.Stderr, cfg.Logging)
	store, err := openSnapshotStore(ctx, cfg, newPaywatchLogger(io.Discard), nil)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store)
}

func printSnapshots(out io.Writer, snaps []payment.Snapshot, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tAMOUNT\tSTRATEGY\tRETRIES\tAGE\tREASON")
	for _, snap := range snaps {
		amount := snap.Amount().StringFixed(2)
		if snap.Currency != "" {
			amount += " " + snap.Currency
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			snap.SessionID, snap.Status, amount, snap.Strategy, snap.RetryCount,
			snap.Age(now).Truncate(time.Second), snap.Reason)
	}
	return w.Flush()
}
