package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rustyeddy/copytrader/config"
	"github.com/rustyeddy/copytrader/intent"
	"github.com/rustyeddy/copytrader/ledger"
	"github.com/rustyeddy/copytrader/lease"
	"github.com/rustyeddy/copytrader/store"
)

// app bundles the wired components every subcommand needs.
type app struct {
	cfg    *config.Config
	store  *store.Store
	ledger *ledger.Ledger
	guard  *intent.Guard
	leases *lease.Manager
}

func newApp(rc *RootConfig) (*app, error) {
	cfg := config.Default()
	if rc.ConfigPath != "" {
		loaded, err := config.LoadFromFile(rc.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}

	ttl, err := cfg.Intent.ParseTTL()
	if err != nil {
		st.Close()
		return nil, err
	}

	log := slog.Default()
	return &app{
		cfg:    cfg,
		store:  st,
		ledger: ledger.New(st, log),
		guard:  intent.NewGuard(st, ttl, log),
		leases: lease.NewManager(st),
	}, nil
}

func (a *app) close() {
	a.store.Close()
}

// ensureStrategies creates any configured strategy that does not exist yet.
func (a *app) ensureStrategies(ctx context.Context) error {
	for _, sc := range a.cfg.Strategies {
		lc, err := sc.ToLedger()
		if err != nil {
			return err
		}
		err = a.ledger.CreateStrategy(ctx, lc, time.Now())
		if err != nil && !errors.Is(err, ledger.ErrStrategyExists) {
			return fmt.Errorf("ensure strategy %s: %w", sc.ID, err)
		}
	}
	return nil
}
