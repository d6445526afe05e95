package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/copytrader/sweep"
)

func newRunCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sweep scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rc)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.ensureStrategies(ctx); err != nil {
				return err
			}

			cooldownLease, _ := a.cfg.Jobs.Cooldown.ParseLease()
			intentGCLease, _ := a.cfg.Jobs.IntentGC.ParseLease()
			auditorLease, _ := a.cfg.Jobs.Auditor.ParseLease()

			runner := sweep.NewRunner(ctx, a.leases, a.ledger, a.guard, sweep.Config{
				CooldownSpec:  a.cfg.Jobs.Cooldown.Spec,
				CooldownLease: cooldownLease,
				IntentGCSpec:  a.cfg.Jobs.IntentGC.Spec,
				IntentGCLease: intentGCLease,
				AuditorSpec:   a.cfg.Jobs.Auditor.Spec,
				AuditorLease:  auditorLease,
			}, nil)
			if err := runner.RegisterAll(); err != nil {
				return err
			}

			runner.Start()
			defer runner.Stop()

			<-ctx.Done()
			return nil
		},
	}
}
