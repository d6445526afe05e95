package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/copytrader/market"
)

// Snapshot is the rebuilt view of a strategy's ledger after reconciliation.
type Snapshot struct {
	StrategyID      string
	AvailableCash   market.Cash
	LockedCapital   market.Cash
	CooldownCapital market.Cash
	RealizedPnl     market.Cash
	Equity          market.Cash
	CancelledStale  int
}

// Reconcile rebuilds a strategy's buckets from the durable order and
// cooldown history, never trusting the cached counters. This is the only
// place balances are recomputed by difference; it runs as an explicit
// repair after a crash or a detected inconsistency, not as a steady-state
// update path.
//
// Orders still PENDING at reconcile time have no known gateway outcome, so
// they are cancelled and their capital recovered; locked capital is what
// filled open orders actually hold.
func (l *Ledger) Reconcile(ctx context.Context, strategyID string, now time.Time) (Snapshot, error) {
	var snap Snapshot
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var initial market.Cash
		err := tx.QueryRow(`
			SELECT initial_capital FROM strategies WHERE strategy_id = ?`, strategyID).
			Scan(&initial)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStrategyNotFound
		}
		if err != nil {
			return err
		}

		res, err := tx.Exec(`
			UPDATE orders SET status = ?, outcome = ?, reason_code = 'reconciled', resolved_at = ?
			WHERE strategy_id = ? AND status = ?`,
			StatusCancelled, OutcomeCancelled, now.UTC(), strategyID, StatusPending)
		if err != nil {
			return err
		}
		stale, err := res.RowsAffected()
		if err != nil {
			return err
		}

		var locked market.Cash
		if err := tx.QueryRow(`
			SELECT COALESCE(SUM(cost), 0) FROM orders
			WHERE strategy_id = ? AND outcome = ? AND status IN (?, ?)`,
			strategyID, OutcomeOpen, StatusFilled, StatusPartial).
			Scan(&locked); err != nil {
			return err
		}

		var cooldown market.Cash
		if err := tx.QueryRow(`
			SELECT COALESCE(SUM(amount), 0) FROM cooldown_entries
			WHERE strategy_id = ? AND released_at IS NULL`, strategyID).
			Scan(&cooldown); err != nil {
			return err
		}

		var pnl market.Cash
		if err := tx.QueryRow(`
			SELECT COALESCE(SUM(pnl), 0) FROM orders
			WHERE strategy_id = ? AND outcome IN (?, ?)`,
			strategyID, OutcomeWon, OutcomeLost).
			Scan(&pnl); err != nil {
			return err
		}

		available := initial + pnl - locked - cooldown
		if available < 0 {
			available = 0
		}

		if _, err := tx.Exec(`
			UPDATE strategies SET
				available_cash = ?, locked_capital = ?, cooldown_capital = ?,
				realized_pnl = ?, inconsistent = 0
			WHERE strategy_id = ?`,
			available, locked, cooldown, pnl, strategyID); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO risk_events (time, strategy_id, event, detail)
			VALUES (?, ?, 'reconciled', ?)`,
			now.UTC(), strategyID,
			fmt.Sprintf("available=%.4f locked=%.4f cooldown=%.4f pnl=%.4f stale_cancelled=%d",
				available, locked, cooldown, pnl, stale)); err != nil {
			return err
		}

		snap = Snapshot{
			StrategyID:      strategyID,
			AvailableCash:   available,
			LockedCapital:   locked,
			CooldownCapital: cooldown,
			RealizedPnl:     pnl,
			Equity:          initial + pnl,
			CancelledStale:  int(stale),
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("reconcile %s: %w", strategyID, err)
	}

	l.log.Info("reconciled", "strategy", strategyID,
		"available", snap.AvailableCash, "locked", snap.LockedCapital,
		"cooldown", snap.CooldownCapital, "stale_cancelled", snap.CancelledStale)
	return snap, nil
}
