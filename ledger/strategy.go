package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/copytrader/market"
	"github.com/rustyeddy/copytrader/risk"
	"github.com/rustyeddy/copytrader/sizing"
)

var (
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrStrategyExists   = errors.New("strategy already exists")
	ErrStrategyArchived = errors.New("strategy is archived")
)

// StrategyConfig is the typed configuration a strategy is created with.
// Validated once at creation, never parsed at evaluation time.
type StrategyConfig struct {
	ID             string        `json:"id" yaml:"id"`
	Name           string        `json:"name" yaml:"name"`
	InitialCapital market.Cash   `json:"initial_capital" yaml:"initial_capital"`
	Cooldown       time.Duration `json:"cooldown" yaml:"cooldown"`
	Risk           risk.Params   `json:"risk" yaml:"risk"`
	Sizing         sizing.Config `json:"sizing" yaml:"sizing"`
}

func (c StrategyConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("strategy id is required")
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be positive")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.Sizing.Validate(); err != nil {
		return fmt.Errorf("sizing: %w", err)
	}
	return nil
}

// Strategy is a full ledger row: configuration plus the three capital
// buckets and the live risk state.
type Strategy struct {
	StrategyConfig

	AvailableCash   market.Cash
	LockedCapital   market.Cash
	CooldownCapital market.Cash
	RealizedPnl     market.Cash

	PeakEquity           market.Cash
	DrawdownPct          float64
	ConsecutiveLosses    int
	DailySpent           market.Cash
	DailySpentDay        string
	CircuitBreakerActive bool
	CircuitBreakerReason string
	Paused               bool
	PauseReason          string
	Inconsistent         bool

	CreatedAt  time.Time
	ArchivedAt *time.Time
}

// Equity is the realized equity curve value: initial capital plus
// cumulative realized pnl. Unrealized positions are not marked.
func (s *Strategy) Equity() market.Cash {
	return s.InitialCapital + s.RealizedPnl
}

// RiskState builds the gate's snapshot. Daily spend only counts if it was
// accumulated today (UTC); the stored value rolls lazily on reserve.
func (s *Strategy) RiskState(now time.Time) risk.State {
	spent := s.DailySpent
	if s.DailySpentDay != dayOf(now) {
		spent = 0
	}
	return risk.State{
		InitialCapital:       s.InitialCapital,
		Equity:               s.Equity(),
		LockedCapital:        s.LockedCapital,
		PeakEquity:           s.PeakEquity,
		DrawdownPct:          s.DrawdownPct,
		ConsecutiveLosses:    s.ConsecutiveLosses,
		DailySpent:           spent,
		CircuitBreakerActive: s.CircuitBreakerActive,
		CircuitBreakerReason: s.CircuitBreakerReason,
		Paused:               s.Paused,
		PauseReason:          s.PauseReason,
	}
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CreateStrategy activates a new strategy with all capital available.
func (l *Ledger) CreateStrategy(ctx context.Context, cfg StrategyConfig, now time.Time) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("create strategy %s: %w", cfg.ID, err)
	}

	tiers, err := json.Marshal(cfg.Sizing.Tiers)
	if err != nil {
		return fmt.Errorf("create strategy %s: marshal tiers: %w", cfg.ID, err)
	}

	_, err = l.store.DB().ExecContext(ctx, `
		INSERT INTO strategies (
			strategy_id, name, initial_capital,
			available_cash, locked_capital, cooldown_capital, realized_pnl,
			max_position_size, max_total_exposure, daily_budget,
			max_drawdown_pct, max_consecutive_losses, cooldown_seconds,
			clamp_oversize, resume_equity_pct,
			sizing_method, fixed_bet, kelly_fraction, edge_multiplier,
			conviction_base, tiers, min_bet, max_bet,
			peak_equity, created_at
		) VALUES (?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.InitialCapital,
		cfg.InitialCapital,
		cfg.Risk.MaxPositionSize, cfg.Risk.MaxTotalExposure, cfg.Risk.DailyBudget,
		cfg.Risk.MaxDrawdownPct, cfg.Risk.MaxConsecutiveLosses, int64(cfg.Cooldown.Seconds()),
		boolInt(cfg.Risk.ClampOversize), cfg.Risk.ResumeEquityPct,
		string(cfg.Sizing.Method), cfg.Sizing.FixedBet, cfg.Sizing.KellyFraction,
		cfg.Sizing.EdgeMultiplier, cfg.Sizing.ConvictionBase, string(tiers),
		cfg.Sizing.MinBet, cfg.Sizing.MaxBet,
		cfg.InitialCapital, now.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("create strategy %s: %w", cfg.ID, ErrStrategyExists)
	}
	if err != nil {
		return fmt.Errorf("create strategy %s: %w", cfg.ID, err)
	}

	l.log.Info("strategy created", "strategy", cfg.ID,
		"capital", cfg.InitialCapital, "sizing", cfg.Sizing.Method)
	return nil
}

const strategyColumns = `
	strategy_id, name, initial_capital,
	available_cash, locked_capital, cooldown_capital, realized_pnl,
	max_position_size, max_total_exposure, daily_budget,
	max_drawdown_pct, max_consecutive_losses, cooldown_seconds,
	clamp_oversize, resume_equity_pct,
	sizing_method, fixed_bet, kelly_fraction, edge_multiplier,
	conviction_base, tiers, min_bet, max_bet,
	peak_equity, drawdown_pct, consecutive_losses,
	daily_spent, daily_spent_day,
	circuit_breaker_active, circuit_breaker_reason,
	paused, pause_reason, inconsistent,
	created_at, archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*Strategy, error) {
	var (
		s           Strategy
		cooldownSec int64
		clamp       int
		tiers       string
		method      string
		cbActive    int
		paused      int
		incons      int
		archivedAt  sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.Name, &s.InitialCapital,
		&s.AvailableCash, &s.LockedCapital, &s.CooldownCapital, &s.RealizedPnl,
		&s.Risk.MaxPositionSize, &s.Risk.MaxTotalExposure, &s.Risk.DailyBudget,
		&s.Risk.MaxDrawdownPct, &s.Risk.MaxConsecutiveLosses, &cooldownSec,
		&clamp, &s.Risk.ResumeEquityPct,
		&method, &s.Sizing.FixedBet, &s.Sizing.KellyFraction, &s.Sizing.EdgeMultiplier,
		&s.Sizing.ConvictionBase, &tiers, &s.Sizing.MinBet, &s.Sizing.MaxBet,
		&s.PeakEquity, &s.DrawdownPct, &s.ConsecutiveLosses,
		&s.DailySpent, &s.DailySpentDay,
		&cbActive, &s.CircuitBreakerReason,
		&paused, &s.PauseReason, &incons,
		&s.CreatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStrategyNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Cooldown = time.Duration(cooldownSec) * time.Second
	s.Risk.ClampOversize = clamp != 0
	s.Sizing.Method = sizing.Method(method)
	s.CircuitBreakerActive = cbActive != 0
	s.Paused = paused != 0
	s.Inconsistent = incons != 0
	if archivedAt.Valid {
		t := archivedAt.Time
		s.ArchivedAt = &t
	}
	if tiers != "" && tiers != "null" {
		if err := json.Unmarshal([]byte(tiers), &s.Sizing.Tiers); err != nil {
			return nil, fmt.Errorf("unmarshal tiers: %w", err)
		}
	}
	return &s, nil
}

func (l *Ledger) GetStrategy(ctx context.Context, strategyID string) (*Strategy, error) {
	row := l.store.DB().QueryRowContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE strategy_id = ?`, strategyID)
	s, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, ErrStrategyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get strategy %s: %w", strategyID, err)
	}
	return s, nil
}

func getStrategyTx(tx *sql.Tx, strategyID string) (*Strategy, error) {
	row := tx.QueryRow(
		`SELECT `+strategyColumns+` FROM strategies WHERE strategy_id = ?`, strategyID)
	return scanStrategy(row)
}

// ActiveStrategyIDs lists strategies that have not been archived, for the
// periodic sweeps.
func (l *Ledger) ActiveStrategyIDs(ctx context.Context) ([]string, error) {
	rows, err := l.store.DB().QueryContext(ctx,
		`SELECT strategy_id FROM strategies WHERE archived_at IS NULL ORDER BY strategy_id`)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ArchiveStrategy deactivates a strategy. The row and its history stay
// auditable; only new reservations are refused.
func (l *Ledger) ArchiveStrategy(ctx context.Context, strategyID string, now time.Time) error {
	res, err := l.store.DB().ExecContext(ctx, `
		UPDATE strategies SET archived_at = ?
		WHERE strategy_id = ? AND archived_at IS NULL`,
		now.UTC(), strategyID)
	if err != nil {
		return fmt.Errorf("archive strategy %s: %w", strategyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("archive strategy %s: %w", strategyID, ErrStrategyNotFound)
	}
	return nil
}

// Pause blocks new reservations without touching the circuit breaker.
func (l *Ledger) Pause(ctx context.Context, strategyID, reason string, now time.Time) error {
	return l.riskTransition(ctx, strategyID, "paused", "", reason, `
		UPDATE strategies SET paused = 1, pause_reason = ? WHERE strategy_id = ?`,
		reason, strategyID)
}

// Resume is the explicit operator transition out of Paused or
// CircuitBreakerTripped. The actor lands in the audit trail.
func (l *Ledger) Resume(ctx context.Context, strategyID, actor, reason string, now time.Time) error {
	return l.riskTransition(ctx, strategyID, "resumed", actor, reason, `
		UPDATE strategies SET
			paused = 0, pause_reason = '',
			circuit_breaker_active = 0, circuit_breaker_reason = '',
			consecutive_losses = 0
		WHERE strategy_id = ?`,
		strategyID)
}

// AutoResume clears a tripped breaker once equity has recovered above the
// configured resume threshold. A no-op unless the strategy opted in.
func (l *Ledger) AutoResume(ctx context.Context, strategyID string, now time.Time) (bool, error) {
	s, err := l.GetStrategy(ctx, strategyID)
	if err != nil {
		return false, err
	}
	if !risk.CanAutoResume(s.Risk, s.RiskState(now)) {
		return false, nil
	}

	err = l.riskTransition(ctx, strategyID, "auto_resumed", "auditor",
		fmt.Sprintf("equity %.2f recovered above %.0f%% of peak %.2f",
			s.Equity(), s.Risk.ResumeEquityPct*100, s.PeakEquity), `
		UPDATE strategies SET
			circuit_breaker_active = 0, circuit_breaker_reason = '',
			consecutive_losses = 0
		WHERE strategy_id = ? AND circuit_breaker_active = 1`,
		strategyID)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) riskTransition(ctx context.Context, strategyID, event, actor, detail, query string, args ...any) error {
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStrategyNotFound
		}
		_, err = tx.Exec(`
			INSERT INTO risk_events (time, strategy_id, event, actor, detail)
			VALUES (?, ?, ?, ?, ?)`,
			time.Now().UTC(), strategyID, event, actor, detail)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s strategy %s: %w", event, strategyID, err)
	}

	l.log.Info("risk transition", "strategy", strategyID, "event", event, "actor", actor)
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
