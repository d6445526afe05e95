package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStrategyCmd(rc *RootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Inspect and manage strategies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <strategy-id>",
		Short: "Show a strategy's buckets and risk state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.ledger.GetStrategy(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", s.ID, s.Name)
			fmt.Printf("  available: %10.2f\n", s.AvailableCash)
			fmt.Printf("  locked:    %10.2f\n", s.LockedCapital)
			fmt.Printf("  cooldown:  %10.2f\n", s.CooldownCapital)
			fmt.Printf("  pnl:       %+10.2f  equity: %.2f  peak: %.2f  drawdown: %.1f%%\n",
				s.RealizedPnl, s.Equity(), s.PeakEquity, s.DrawdownPct*100)
			fmt.Printf("  losses: %d  daily spent: %.2f (%s)\n",
				s.ConsecutiveLosses, s.DailySpent, s.DailySpentDay)
			switch {
			case s.CircuitBreakerActive:
				fmt.Printf("  state: CIRCUIT BREAKER (%s)\n", s.CircuitBreakerReason)
			case s.Paused:
				fmt.Printf("  state: PAUSED (%s)\n", s.PauseReason)
			default:
				fmt.Println("  state: active")
			}
			if s.Inconsistent {
				fmt.Println("  !! ledger flagged inconsistent, run reconcile")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add",
		Short: "Create the strategies declared in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc)
			if err != nil {
				return err
			}
			defer a.close()
			return a.ensureStrategies(context.Background())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "archive <strategy-id>",
		Short: "Deactivate a strategy, keeping its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc)
			if err != nil {
				return err
			}
			defer a.close()
			return a.ledger.ArchiveStrategy(context.Background(), args[0], time.Now())
		},
	})

	var actor, reason string
	resume := &cobra.Command{
		Use:   "resume <strategy-id>",
		Short: "Operator resume out of paused or circuit-breaker state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc)
			if err != nil {
				return err
			}
			defer a.close()
			return a.ledger.Resume(context.Background(), args[0], actor, reason, time.Now())
		},
	}
	resume.Flags().StringVar(&actor, "actor", "operator", "Who is resuming")
	resume.Flags().StringVar(&reason, "reason", "", "Why the strategy is being resumed")
	cmd.AddCommand(resume)

	return cmd
}
