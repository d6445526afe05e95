// Package ledger is the per-strategy capital ledger: three cash buckets
// (available, locked, cooling down) mutated only through atomic,
// composable transitions. In normal operation every bucket is adjusted
// directly inside one transaction so the identity
//
//	available + locked + cooldown == initial capital + realized pnl
//
// holds by construction; recomputation by difference lives only in the
// reconciliation repair path.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/copytrader/market"
	"github.com/rustyeddy/copytrader/pkg/id"
	"github.com/rustyeddy/copytrader/risk"
	"github.com/rustyeddy/copytrader/store"
)

// Float slack for the bucket identity check.
const epsilon = 1e-6

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotPending    = errors.New("order is not pending")
	ErrOrderNotOpen       = errors.New("order is not open")
	ErrLedgerInconsistent = errors.New("ledger inconsistent, reconcile required")
)

// Order lifecycle status, set by the execution gateway callbacks.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFilled    Status = "FILLED"
	StatusPartial   Status = "PARTIAL"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Outcome is the resolution of a committed trade.
type Outcome string

const (
	OutcomeOpen      Outcome = "OPEN"
	OutcomeWon       Outcome = "WON"
	OutcomeLost      Outcome = "LOST"
	OutcomeCancelled Outcome = "CANCELLED"
)

// Order is the ledger's transaction unit: one committed trade.
type Order struct {
	ID          string
	StrategyID  string
	IntentID    string
	Side        market.Side
	SignalPrice market.Price
	SignalSize  market.Cash
	Cost        market.Cash
	ExecPrice   market.Price
	ExecSize    market.Cash
	ExternalID  string
	Status      Status
	Outcome     Outcome
	Pnl         market.Cash
	ReasonCode  string
	PlacedAt    time.Time
	FilledAt    *time.Time
	ResolvedAt  *time.Time
}

// CooldownEntry is capital in transit from a resolved order back to
// available cash. Released by stamping released_at, never by deletion.
type CooldownEntry struct {
	EntryID     int64
	StrategyID  string
	OrderID     string
	Amount      market.Cash
	AvailableAt time.Time
	ReleasedAt  *time.Time
}

// Ledger is the single component allowed to mutate strategy balances.
type Ledger struct {
	store *store.Store
	log   *slog.Logger
}

func New(s *store.Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: s, log: log}
}

// ReserveResult reports the outcome of a reservation attempt. A denial is
// an expected decision, not an error.
type ReserveResult struct {
	OK     bool
	Reason string
	Order  Order
}

const ReasonInsufficientFunds = "insufficient_funds"

// Reserve moves amount from available to locked and creates the PENDING
// order, all in one transaction. The availability check and the debit are
// a single conditional update, so concurrent reservations cannot
// over-commit. A strategy flagged inconsistent refuses to reserve until
// reconciled.
func (l *Ledger) Reserve(ctx context.Context, strategyID string, sig market.Signal, amount market.Cash, intentID string, now time.Time) (ReserveResult, error) {
	if amount <= 0 {
		return ReserveResult{}, fmt.Errorf("reserve on %s: amount must be positive", strategyID)
	}

	var result ReserveResult
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			archived int
			incons   int
		)
		err := tx.QueryRow(`
			SELECT archived_at IS NOT NULL, inconsistent
			FROM strategies WHERE strategy_id = ?`, strategyID).
			Scan(&archived, &incons)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStrategyNotFound
		}
		if err != nil {
			return err
		}
		if archived != 0 {
			return ErrStrategyArchived
		}
		if incons != 0 {
			return ErrLedgerInconsistent
		}

		day := dayOf(now)
		res, err := tx.Exec(`
			UPDATE strategies SET
				available_cash = available_cash - ?,
				locked_capital = locked_capital + ?,
				daily_spent = CASE WHEN daily_spent_day = ? THEN daily_spent + ? ELSE ? END,
				daily_spent_day = ?
			WHERE strategy_id = ? AND available_cash >= ?`,
			amount, amount, day, amount, amount, day, strategyID, amount)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			result = ReserveResult{OK: false, Reason: ReasonInsufficientFunds}
			return nil
		}

		order := Order{
			ID:          id.New(),
			StrategyID:  strategyID,
			IntentID:    intentID,
			Side:        sig.Side,
			SignalPrice: sig.Price,
			SignalSize:  sig.Size,
			Cost:        amount,
			Status:      StatusPending,
			Outcome:     OutcomeOpen,
			PlacedAt:    now.UTC(),
		}
		_, err = tx.Exec(`
			INSERT INTO orders (
				order_id, strategy_id, intent_id, side,
				signal_price, signal_size, cost, status, outcome, placed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.StrategyID, nullString(order.IntentID), string(order.Side),
			order.SignalPrice, order.SignalSize, order.Cost,
			string(order.Status), string(order.Outcome), order.PlacedAt)
		if err != nil {
			return err
		}

		result = ReserveResult{OK: true, Order: order}
		return nil
	})
	if err != nil {
		return ReserveResult{}, fmt.Errorf("reserve %.2f on %s: %w", amount, strategyID, err)
	}

	if result.OK {
		l.log.Info("reserved", "strategy", strategyID, "order", result.Order.ID, "amount", amount)
	} else {
		l.log.Info("reserve denied", "strategy", strategyID, "amount", amount, "reason", result.Reason)
	}
	return result, nil
}

// RecordFill applies the gateway's fill callback. A partial fill returns
// the unfilled portion of the reserved cost straight to available cash;
// only what actually went to market stays locked.
func (l *Ledger) RecordFill(ctx context.Context, orderID string, execPrice market.Price, execSize market.Cash, externalID string, now time.Time) error {
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			strategyID string
			cost       market.Cash
		)
		err := tx.QueryRow(`
			SELECT strategy_id, cost FROM orders
			WHERE order_id = ? AND status = ?`, orderID, StatusPending).
			Scan(&strategyID, &cost)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotPending
		}
		if err != nil {
			return err
		}

		if execSize > cost {
			execSize = cost
		}
		refund := cost - execSize
		status := StatusFilled
		if refund > epsilon {
			status = StatusPartial
		} else {
			refund = 0
		}

		res, err := tx.Exec(`
			UPDATE orders SET
				status = ?, executed_price = ?, executed_size = ?,
				external_id = ?, cost = ?, filled_at = ?
			WHERE order_id = ? AND status = ?`,
			string(status), execPrice, execSize, externalID, cost-refund, now.UTC(),
			orderID, StatusPending)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrOrderNotPending
		}

		if refund > 0 {
			if _, err := tx.Exec(`
				UPDATE strategies SET
					available_cash = available_cash + ?,
					locked_capital = locked_capital - ?
				WHERE strategy_id = ?`, refund, refund, strategyID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record fill for %s: %w", orderID, err)
	}
	return nil
}

// RejectOrder handles a gateway rejection or timeout: the order goes
// terminal with the reason code and the reserved cost returns to available
// cash with no cooldown, since it was never at risk.
func (l *Ledger) RejectOrder(ctx context.Context, orderID, reasonCode string, now time.Time) error {
	err := l.closeUnresolved(ctx, orderID, StatusRejected, reasonCode, []Status{StatusPending}, now)
	if err != nil {
		return fmt.Errorf("reject order %s: %w", orderID, err)
	}
	l.log.Warn("order rejected", "order", orderID, "reason", reasonCode)
	return nil
}

// Release cancels an order before resolution and returns its locked cost
// directly to available cash.
func (l *Ledger) Release(ctx context.Context, orderID string, now time.Time) error {
	err := l.closeUnresolved(ctx, orderID, StatusCancelled, "",
		[]Status{StatusPending, StatusFilled, StatusPartial}, now)
	if err != nil {
		return fmt.Errorf("release order %s: %w", orderID, err)
	}
	return nil
}

func (l *Ledger) closeUnresolved(ctx context.Context, orderID string, to Status, reasonCode string, from []Status, now time.Time) error {
	return l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			strategyID string
			cost       market.Cash
			status     string
		)
		err := tx.QueryRow(`
			SELECT strategy_id, cost, status FROM orders
			WHERE order_id = ? AND outcome = ?`, orderID, OutcomeOpen).
			Scan(&strategyID, &cost, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotOpen
		}
		if err != nil {
			return err
		}
		if !statusIn(Status(status), from) {
			return ErrOrderNotPending
		}

		res, err := tx.Exec(`
			UPDATE orders SET status = ?, outcome = ?, reason_code = ?, resolved_at = ?
			WHERE order_id = ? AND outcome = ?`,
			string(to), string(OutcomeCancelled), reasonCode, now.UTC(),
			orderID, OutcomeOpen)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrOrderNotOpen
		}

		_, err = tx.Exec(`
			UPDATE strategies SET
				available_cash = available_cash + ?,
				locked_capital = locked_capital - ?
			WHERE strategy_id = ?`, cost, cost, strategyID)
		return err
	})
}

func statusIn(s Status, set []Status) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

// ApplyResolution settles a filled order exactly once. The payout
// (cost + pnl for a win, floored at zero for a loss) becomes one cooldown
// entry maturing after the strategy's hold period; the locked cost is
// unwound and the risk state rolls forward, tripping the circuit breaker
// when a threshold is hit.
func (l *Ledger) ApplyResolution(ctx context.Context, orderID string, outcome Outcome, pnl market.Cash, now time.Time) error {
	if outcome != OutcomeWon && outcome != OutcomeLost {
		return fmt.Errorf("resolve order %s: outcome must be WON or LOST, got %q", orderID, outcome)
	}

	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			strategyID string
			cost       market.Cash
		)
		err := tx.QueryRow(`
			SELECT strategy_id, cost FROM orders
			WHERE order_id = ? AND outcome = ? AND status IN (?, ?)`,
			orderID, OutcomeOpen, StatusFilled, StatusPartial).
			Scan(&strategyID, &cost)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotOpen
		}
		if err != nil {
			return err
		}

		// The conditional update is the exactly-once guard: a concurrent
		// resolution of the same order loses here and backs out.
		res, err := tx.Exec(`
			UPDATE orders SET outcome = ?, pnl = ?, resolved_at = ?
			WHERE order_id = ? AND outcome = ?`,
			string(outcome), pnl, now.UTC(), orderID, OutcomeOpen)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrOrderNotOpen
		}

		s, err := getStrategyTx(tx, strategyID)
		if err != nil {
			return err
		}

		payout := cost + pnl
		if payout < 0 {
			payout = 0
		}
		if payout > 0 {
			if _, err := tx.Exec(`
				INSERT INTO cooldown_entries (strategy_id, order_id, amount, available_at)
				VALUES (?, ?, ?, ?)`,
				strategyID, orderID, payout, now.Add(s.Cooldown).Unix()); err != nil {
				return err
			}
		}

		newRealized := s.RealizedPnl + pnl
		st := s.RiskState(now)
		st.Equity = s.InitialCapital + newRealized
		ch := risk.ApplyOutcome(s.Risk, st, pnl)

		if _, err := tx.Exec(`
			UPDATE strategies SET
				locked_capital = locked_capital - ?,
				cooldown_capital = cooldown_capital + ?,
				realized_pnl = realized_pnl + ?,
				peak_equity = ?, drawdown_pct = ?, consecutive_losses = ?
			WHERE strategy_id = ?`,
			cost, payout, pnl,
			ch.PeakEquity, ch.DrawdownPct, ch.ConsecutiveLosses,
			strategyID); err != nil {
			return err
		}

		if ch.Tripped && !s.CircuitBreakerActive {
			if _, err := tx.Exec(`
				UPDATE strategies SET circuit_breaker_active = 1, circuit_breaker_reason = ?
				WHERE strategy_id = ?`, ch.TripReason, strategyID); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO risk_events (time, strategy_id, event, detail)
				VALUES (?, ?, 'circuit_breaker_tripped', ?)`,
				now.UTC(), strategyID, ch.TripReason); err != nil {
				return err
			}
			l.log.Warn("circuit breaker tripped", "strategy", strategyID, "reason", ch.TripReason)
		}

		_, err = tx.Exec(`
			INSERT INTO equity_history (time, strategy_id, equity, realized_pnl, drawdown_pct)
			VALUES (?, ?, ?, ?, ?)`,
			now.UTC(), strategyID, st.Equity, newRealized, ch.DrawdownPct)
		return err
	})
	if err != nil {
		return fmt.Errorf("resolve order %s: %w", orderID, err)
	}

	l.log.Info("order resolved", "order", orderID, "outcome", outcome, "pnl", pnl)
	return nil
}

// MatureCooldown releases every cooldown entry whose hold period has
// elapsed back into available cash. Each entry is its own transaction and
// the release is a conditional update on released_at, so overlapping or
// repeated sweeps credit every entry exactly once.
func (l *Ledger) MatureCooldown(ctx context.Context, now time.Time) (int, error) {
	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT entry_id, strategy_id, amount FROM cooldown_entries
		WHERE released_at IS NULL AND available_at <= ?
		ORDER BY entry_id`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("mature cooldown: %w", err)
	}

	type due struct {
		entryID    int64
		strategyID string
		amount     market.Cash
	}
	var pending []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.entryID, &d.strategyID, &d.amount); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	matured := 0
	for _, d := range pending {
		err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.Exec(`
				UPDATE cooldown_entries SET released_at = ?
				WHERE entry_id = ? AND released_at IS NULL AND available_at <= ?`,
				now.Unix(), d.entryID, now.Unix())
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				// Another sweep got here first.
				return nil
			}

			if _, err := tx.Exec(`
				UPDATE strategies SET
					available_cash = available_cash + ?,
					cooldown_capital = cooldown_capital - ?
				WHERE strategy_id = ?`, d.amount, d.amount, d.strategyID); err != nil {
				return err
			}
			matured++
			return nil
		})
		if err != nil {
			return matured, fmt.Errorf("mature cooldown entry %d: %w", d.entryID, err)
		}
	}

	if matured > 0 {
		l.log.Info("cooldown matured", "entries", matured)
	}
	return matured, nil
}

// CheckInvariant verifies the bucket identity and the non-negativity of
// available cash. On failure the strategy is flagged inconsistent, which
// blocks reservations until Reconcile repairs it.
func (l *Ledger) CheckInvariant(ctx context.Context, strategyID string) error {
	s, err := l.GetStrategy(ctx, strategyID)
	if err != nil {
		return err
	}

	drift := math.Abs(s.AvailableCash + s.LockedCapital + s.CooldownCapital - s.Equity())
	if s.AvailableCash >= -epsilon && drift <= epsilon {
		return nil
	}

	err = l.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE strategies SET inconsistent = 1 WHERE strategy_id = ?`, strategyID); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO risk_events (time, strategy_id, event, detail)
			VALUES (?, ?, 'ledger_inconsistency', ?)`,
			time.Now().UTC(), strategyID,
			fmt.Sprintf("available=%.4f locked=%.4f cooldown=%.4f equity=%.4f",
				s.AvailableCash, s.LockedCapital, s.CooldownCapital, s.Equity()))
		return err
	})
	if err != nil {
		return fmt.Errorf("flag inconsistency on %s: %w", strategyID, err)
	}

	l.log.Error("ledger inconsistency detected", "strategy", strategyID, "drift", drift)
	return fmt.Errorf("strategy %s: %w", strategyID, ErrLedgerInconsistent)
}

// GetOrder returns a full order row.
func (l *Ledger) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var (
		o          Order
		intentID   sql.NullString
		execPrice  sql.NullFloat64
		execSize   sql.NullFloat64
		externalID sql.NullString
		side       string
		status     string
		outcome    string
		filledAt   sql.NullTime
		resolvedAt sql.NullTime
	)
	err := l.store.DB().QueryRowContext(ctx, `
		SELECT order_id, strategy_id, intent_id, side,
			signal_price, signal_size, cost,
			executed_price, executed_size, external_id,
			status, outcome, pnl, reason_code,
			placed_at, filled_at, resolved_at
		FROM orders WHERE order_id = ?`, orderID).
		Scan(&o.ID, &o.StrategyID, &intentID, &side,
			&o.SignalPrice, &o.SignalSize, &o.Cost,
			&execPrice, &execSize, &externalID,
			&status, &outcome, &o.Pnl, &o.ReasonCode,
			&o.PlacedAt, &filledAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}

	o.IntentID = intentID.String
	o.ExecPrice = execPrice.Float64
	o.ExecSize = execSize.Float64
	o.ExternalID = externalID.String
	o.Side = market.Side(side)
	o.Status = Status(status)
	o.Outcome = Outcome(outcome)
	if filledAt.Valid {
		t := filledAt.Time
		o.FilledAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		o.ResolvedAt = &t
	}
	return &o, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
