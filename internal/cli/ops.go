package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cooldown maturation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.ledger.MatureCooldown(context.Background(), time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("matured %d cooldown entries\n", n)
			return nil
		},
	}
}

func newReconcileCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <strategy-id>",
		Short: "Rebuild a strategy's ledger from the durable order history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc)
			if err != nil {
				return err
			}
			defer a.close()

			snap, err := a.ledger.Reconcile(context.Background(), args[0], time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("strategy %s\n", snap.StrategyID)
			fmt.Printf("  available: %.2f\n", snap.AvailableCash)
			fmt.Printf("  locked:    %.2f\n", snap.LockedCapital)
			fmt.Printf("  cooldown:  %.2f\n", snap.CooldownCapital)
			fmt.Printf("  pnl:       %+.2f\n", snap.RealizedPnl)
			fmt.Printf("  equity:    %.2f\n", snap.Equity)
			if snap.CancelledStale > 0 {
				fmt.Printf("  cancelled %d stale pending orders\n", snap.CancelledStale)
			}
			return nil
		},
	}
}
