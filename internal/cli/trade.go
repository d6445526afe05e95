package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/copytrader/engine"
	"github.com/rustyeddy/copytrader/gateway"
	"github.com/rustyeddy/copytrader/intent"
	"github.com/rustyeddy/copytrader/ledger"
	"github.com/rustyeddy/copytrader/market"
)

// newSubmitCmd pushes a single signal through the full pipeline against
// the sim gateway. Useful for smoke-testing a config.
func newSubmitCmd(rc *RootConfig) *cobra.Command {
	var (
		strategyID string
		intentID   string
		owner      string
		side       string
		price      float64
		size       float64
		winProb    float64
		conviction float64
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one signal through the sim gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc)
			if err != nil {
				return err
			}
			defer a.close()

			if intentID == "" {
				intentID = intent.NewID()
			}

			eng := engine.New(a.ledger, a.guard, gateway.NewSim(), nil)
			res, err := eng.SubmitSignal(context.Background(), strategyID, intentID, owner,
				market.Signal{
					Side:            market.Side(side),
					Price:           price,
					Size:            size,
					WinProbability:  winProb,
					ConvictionRatio: conviction,
					Time:            time.Now(),
				}, time.Now())
			if err != nil {
				return err
			}

			if res.Accepted {
				fmt.Printf("order %s placed for %.2f (intent %s)\n", res.OrderID, res.Amount, intentID)
			} else {
				fmt.Printf("skipped: %s (intent %s)\n", res.Reason, intentID)
			}
			if res.Cached {
				fmt.Println("  (replayed from a previous submission of this intent)")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&strategyID, "strategy", "copy-main", "Strategy id")
	cmd.Flags().StringVar(&intentID, "intent", "", "Intent id (generated when empty)")
	cmd.Flags().StringVar(&owner, "owner", "cli", "Intent owner")
	cmd.Flags().StringVar(&side, "side", string(market.SideBuy), "BUY or SELL")
	cmd.Flags().Float64Var(&price, "price", 0.5, "Signal price in (0,1)")
	cmd.Flags().Float64Var(&size, "size", 100, "Copied trade size")
	cmd.Flags().Float64Var(&winProb, "win-prob", 0.55, "Estimated win probability")
	cmd.Flags().Float64Var(&conviction, "conviction", 1.0, "Conviction ratio")
	return cmd
}

func newResolveCmd(rc *RootConfig) *cobra.Command {
	var (
		outcome string
		pnl     float64
	)

	cmd := &cobra.Command{
		Use:   "resolve <order-id>",
		Short: "Apply a resolution to a filled order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc)
			if err != nil {
				return err
			}
			defer a.close()

			return a.ledger.ApplyResolution(context.Background(), args[0],
				ledger.Outcome(outcome), pnl, time.Now())
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", string(ledger.OutcomeWon), "WON or LOST")
	cmd.Flags().Float64Var(&pnl, "pnl", 0, "Realized pnl")
	return cmd
}
