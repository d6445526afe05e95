// Package sweep schedules the periodic maintenance jobs: cooldown
// maturation, intent garbage collection, and the ledger auditor. Every job
// body runs under a job lease so overlapping instances across processes
// skip cleanly; missed runs are harmless because each job is a pure
// function of durable state versus the current time.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rustyeddy/copytrader/intent"
	"github.com/rustyeddy/copytrader/ledger"
	"github.com/rustyeddy/copytrader/lease"
)

// Job names used for the leases.
const (
	JobCooldown = "cooldown-sweep"
	JobIntentGC = "intent-gc"
	JobAuditor  = "ledger-auditor"
)

type Config struct {
	CooldownSpec  string
	CooldownLease time.Duration
	IntentGCSpec  string
	IntentGCLease time.Duration
	AuditorSpec   string
	AuditorLease  time.Duration
}

type Runner struct {
	cron   *cron.Cron
	leases *lease.Manager
	ledger *ledger.Ledger
	guard  *intent.Guard
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
}

func NewRunner(ctx context.Context, leases *lease.Manager, l *ledger.Ledger, g *intent.Guard, cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cron:   cron.New(cron.WithSeconds()),
		leases: leases,
		ledger: l,
		guard:  g,
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
	}
}

func (r *Runner) RegisterAll() error {
	if _, err := r.cron.AddFunc(r.cfg.CooldownSpec, r.cooldownJob); err != nil {
		return fmt.Errorf("register cooldown sweep: %w", err)
	}
	if _, err := r.cron.AddFunc(r.cfg.IntentGCSpec, r.intentGCJob); err != nil {
		return fmt.Errorf("register intent gc: %w", err)
	}
	if _, err := r.cron.AddFunc(r.cfg.AuditorSpec, r.auditorJob); err != nil {
		return fmt.Errorf("register auditor: %w", err)
	}
	return nil
}

func (r *Runner) Start() {
	r.cron.Start()
	r.log.Info("sweep scheduler started")
}

func (r *Runner) Stop() {
	r.cron.Stop()
	r.log.Info("sweep scheduler stopped")
}

func (r *Runner) cooldownJob() {
	r.underLease(JobCooldown, r.cfg.CooldownLease, func(ctx context.Context) error {
		n, err := r.ledger.MatureCooldown(ctx, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.Info("cooldown sweep", "matured", n)
		}
		return nil
	})
}

func (r *Runner) intentGCJob() {
	r.underLease(JobIntentGC, r.cfg.IntentGCLease, func(ctx context.Context) error {
		n, err := r.guard.Sweep(ctx, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.Info("intent gc", "deleted", n)
		}
		return nil
	})
}

// auditorJob verifies the bucket identity per strategy, reconciles the
// ones that fail, and applies the opt-in automatic circuit-breaker resume.
func (r *Runner) auditorJob() {
	r.underLease(JobAuditor, r.cfg.AuditorLease, func(ctx context.Context) error {
		ids, err := r.ledger.ActiveStrategyIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := r.ledger.CheckInvariant(ctx, id); err != nil {
				r.log.Error("audit failed, reconciling", "strategy", id, "err", err)
				if _, rcErr := r.ledger.Reconcile(ctx, id, time.Now()); rcErr != nil {
					r.log.Error("reconcile failed", "strategy", id, "err", rcErr)
				}
				continue
			}
			if resumed, err := r.ledger.AutoResume(ctx, id, time.Now()); err != nil {
				r.log.Error("auto resume failed", "strategy", id, "err", err)
			} else if resumed {
				r.log.Info("circuit breaker auto-resumed", "strategy", id)
			}
		}
		return nil
	})
}

func (r *Runner) underLease(job string, d time.Duration, fn func(ctx context.Context) error) {
	ran, err := r.leases.Run(r.ctx, job, d, fn)
	if err != nil {
		r.log.Error("sweep job failed", "job", job, "err", err)
		return
	}
	if !ran {
		r.log.Debug("lease lost, skipping cycle", "job", job)
	}
}
