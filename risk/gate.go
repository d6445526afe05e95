// Package risk gates proposed trades against a strategy's configured limits
// and live risk state. It is pure: the ledger loads and persists state, the
// gate only computes transitions, so it can be exercised without a store.
package risk

import (
	"fmt"

	"github.com/rustyeddy/copytrader/market"
)

// Deny reason codes, checked in this order.
const (
	ReasonCircuitBreaker = "circuit_breaker_active"
	ReasonPaused         = "strategy_paused"
	ReasonDailyBudget    = "daily_budget_exceeded"
	ReasonPositionSize   = "position_too_large"
	ReasonExposure       = "exposure_exceeded"

	// Trip causes recorded when the breaker opens.
	TripConsecutiveLosses = "max_consecutive_losses"
	TripDrawdown          = "max_drawdown"
)

// Params are a strategy's configured limits. Read-only at evaluation time;
// changed only through an explicit strategy-configuration update.
type Params struct {
	MaxPositionSize      market.Cash   `json:"max_position_size" yaml:"max_position_size"`
	MaxTotalExposure     market.Cash   `json:"max_total_exposure" yaml:"max_total_exposure"`
	DailyBudget          market.Cash   `json:"daily_budget" yaml:"daily_budget"`
	MaxDrawdownPct       float64       `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MaxConsecutiveLosses int           `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	ClampOversize        bool          `json:"clamp_oversize" yaml:"clamp_oversize"`
	ResumeEquityPct      float64       `json:"resume_equity_pct" yaml:"resume_equity_pct"`
}

func (p Params) Validate() error {
	if p.MaxPositionSize <= 0 {
		return fmt.Errorf("max_position_size must be positive")
	}
	if p.MaxTotalExposure <= 0 {
		return fmt.Errorf("max_total_exposure must be positive")
	}
	if p.DailyBudget <= 0 {
		return fmt.Errorf("daily_budget must be positive")
	}
	if p.MaxDrawdownPct <= 0 || p.MaxDrawdownPct > 1 {
		return fmt.Errorf("max_drawdown_pct must be in (0, 1]")
	}
	if p.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("max_consecutive_losses must be positive")
	}
	if p.ResumeEquityPct < 0 || p.ResumeEquityPct > 1 {
		return fmt.Errorf("resume_equity_pct must be in [0, 1]")
	}
	return nil
}

// State is the live risk snapshot the gate evaluates against.
type State struct {
	InitialCapital       market.Cash
	Equity               market.Cash // initial capital + cumulative realized pnl
	LockedCapital        market.Cash
	PeakEquity           market.Cash
	DrawdownPct          float64
	ConsecutiveLosses    int
	DailySpent           market.Cash
	CircuitBreakerActive bool
	CircuitBreakerReason string
	Paused               bool
	PauseReason          string
}

type Decision struct {
	Allowed bool
	Reason  string
	Size    market.Cash // proposed size, clamped when ClampOversize is set
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Evaluate checks a proposed size against the strategy's limits. Checks run
// in a fixed order so the reported reason is deterministic under multiple
// violations.
func Evaluate(p Params, st State, proposed market.Cash) Decision {
	if st.CircuitBreakerActive {
		return deny(ReasonCircuitBreaker)
	}
	if st.Paused {
		return deny(ReasonPaused)
	}
	if st.DailySpent+proposed > p.DailyBudget {
		return deny(ReasonDailyBudget)
	}
	if proposed > p.MaxPositionSize {
		if !p.ClampOversize {
			return deny(ReasonPositionSize)
		}
		proposed = p.MaxPositionSize
	}
	if st.LockedCapital+proposed > p.MaxTotalExposure {
		return deny(ReasonExposure)
	}
	return Decision{Allowed: true, Size: proposed}
}

// OutcomeChange is the risk-state transition produced by one resolution.
type OutcomeChange struct {
	ConsecutiveLosses int
	PeakEquity        market.Cash
	DrawdownPct       float64
	Tripped           bool
	TripReason        string
}

// ApplyOutcome folds a realized pnl into the risk state: losses extend the
// streak, any win resets it, and the equity curve updates peak/drawdown.
// st.Equity must already include the pnl being recorded.
func ApplyOutcome(p Params, st State, pnl market.Cash) OutcomeChange {
	ch := OutcomeChange{
		ConsecutiveLosses: st.ConsecutiveLosses,
		PeakEquity:        st.PeakEquity,
	}

	if pnl < 0 {
		ch.ConsecutiveLosses++
	} else if pnl > 0 {
		ch.ConsecutiveLosses = 0
	}

	if st.Equity > ch.PeakEquity {
		ch.PeakEquity = st.Equity
	}
	if ch.PeakEquity > 0 {
		ch.DrawdownPct = (ch.PeakEquity - st.Equity) / ch.PeakEquity
	}

	switch {
	case ch.ConsecutiveLosses >= p.MaxConsecutiveLosses:
		ch.Tripped = true
		ch.TripReason = TripConsecutiveLosses
	case ch.DrawdownPct >= p.MaxDrawdownPct:
		ch.Tripped = true
		ch.TripReason = TripDrawdown
	}

	return ch
}

// CanAutoResume reports whether a tripped strategy has recovered enough
// equity to resume automatically. Disabled unless ResumeEquityPct is
// configured; the ledger records the transition either way, so resumption
// is always explicit and auditable.
func CanAutoResume(p Params, st State) bool {
	if !st.CircuitBreakerActive || p.ResumeEquityPct <= 0 {
		return false
	}
	return st.Equity >= st.PeakEquity*p.ResumeEquityPct
}
