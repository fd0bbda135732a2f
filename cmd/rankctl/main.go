package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/rank-engine/internal/app"
	"github.com/atmx/rank-engine/internal/config"
	"github.com/atmx/rank-engine/internal/jobs"
	"github.com/atmx/rank-engine/internal/logging"
)

func main() {
	root := &cobra.Command{
		Use:          "rankctl",
		Short:        "Admin tool for the rank engine",
		SilenceUsage: true,
	}

	root.AddCommand(
		newRunJobCmd(),
		newReevaluateCmd(),
		newUnlockCmd(),
		newResyncCmd(),
		newReconcileCmd(),
		newProfileCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withApp builds the engine from the environment, runs fn and prints its
// result as JSON.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout stays machine readable.
	logger := logging.NewWithWriter(os.Stderr, cfg.Logging)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newRunJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run-job <kind>",
		Short:     "Run one job now: daily_commission, maintenance or grace_recovery",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(jobs.KindCommission), string(jobs.KindMaintenance), string(jobs.KindGraceRecovery)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Runner.RunOnce(ctx, jobs.Kind(args[0]))
			})
		},
	}
}

func newReevaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reevaluate <participant-id>",
		Short: "Lock the minimum for the highest achievable rank and promote until stable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Account.Reevaluate(ctx, args[0])
			})
		},
	}
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <participant-id> <amount>",
		Short: "Release locked funds, downranking if the remainder no longer covers the rank",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Locker.Unlock(ctx, args[0], amount)
			})
		},
	}
}

func newResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <participant-id>",
		Short: "Recompute the cached blocked balance from locked balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				blocked, err := a.Locker.ResyncBlockedBalance(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"participant_id": args[0], "blocked_balance": blocked}, nil
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <participant-id>",
		Short: "Recompute total directs, lifetime volume and blocked balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Account.Reconcile(ctx, args[0])
			})
		},
	}
}

func newProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <participant-id>",
		Short: "Print a participant's rank profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Profile.Profile(ctx, args[0])
			})
		},
	}
}
