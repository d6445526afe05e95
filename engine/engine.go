// Package engine runs the trade pipeline for one signal: idempotency check,
// risk gate, position sizing, capital reservation, gateway placement, and
// the fill/rejection bookkeeping. The gateway call happens outside any
// ledger transaction.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rustyeddy/copytrader/gateway"
	"github.com/rustyeddy/copytrader/intent"
	"github.com/rustyeddy/copytrader/ledger"
	"github.com/rustyeddy/copytrader/market"
	"github.com/rustyeddy/copytrader/risk"
	"github.com/rustyeddy/copytrader/sizing"
)

// ErrIntentRace marks a concurrent-insert collision on the intent id.
// Transient: safe to retry with a fresh intent id.
var ErrIntentRace = errors.New("intent race detected")

// Skip reasons beyond the risk gate's own codes.
const (
	ReasonSizeBelowMin = "size_below_min"
	ReasonGatewayError = "gateway_error"
)

type Engine struct {
	ledger *ledger.Ledger
	guard  *intent.Guard
	gw     gateway.Gateway
	log    *slog.Logger
}

func New(l *ledger.Ledger, g *intent.Guard, gw gateway.Gateway, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{ledger: l, guard: g, gw: gw, log: log}
}

// SubmitResult is what a caller gets back for a signal submission. A
// skipped trade (risk denial, zero size, insufficient funds, rejection) is
// a valid result, not an error. Cached is set when a duplicate intent was
// answered from the first attempt's stored result.
type SubmitResult struct {
	Accepted bool        `json:"accepted"`
	Reason   string      `json:"reason,omitempty"`
	OrderID  string      `json:"order_id,omitempty"`
	Amount   market.Cash `json:"amount,omitempty"`
	Cached   bool        `json:"-"`
}

// SubmitSignal processes one trading signal under the given intent id.
// Resubmitting the same (intentID, owner) any number of times yields at
// most one real order, with every caller observing the first result.
func (e *Engine) SubmitSignal(ctx context.Context, strategyID, intentID, owner string, sig market.Signal, now time.Time) (SubmitResult, error) {
	dec, err := e.guard.CheckAndRecord(ctx, intentID, owner, now)
	if err != nil {
		return SubmitResult{}, err
	}
	if !dec.Allowed {
		switch dec.Reason {
		case intent.ReasonDuplicate:
			return e.cachedResult(dec)
		case intent.ReasonTaken:
			return SubmitResult{Accepted: false, Reason: string(intent.ReasonTaken)}, nil
		default:
			return SubmitResult{}, fmt.Errorf("intent %s: %w", intentID, ErrIntentRace)
		}
	}

	res, err := e.submit(ctx, strategyID, intentID, sig, now)
	if err != nil {
		// Leave the intent pending; the caller may retry the same id and
		// the duplicate path will replay once a result lands.
		return SubmitResult{}, err
	}

	status := intent.StatusCompleted
	if !res.Accepted {
		status = intent.StatusFailed
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal intent result: %w", err)
	}
	if err := e.guard.Complete(ctx, intentID, status, string(payload), res.Reason); err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

func (e *Engine) submit(ctx context.Context, strategyID, intentID string, sig market.Signal, now time.Time) (SubmitResult, error) {
	s, err := e.ledger.GetStrategy(ctx, strategyID)
	if err != nil {
		return SubmitResult{}, err
	}

	amount := sizing.Size(sig, s.Sizing, s.AvailableCash)
	if amount <= 0 {
		e.log.Debug("signal skipped", "strategy", strategyID, "reason", ReasonSizeBelowMin)
		return SubmitResult{Accepted: false, Reason: ReasonSizeBelowMin}, nil
	}

	rd := risk.Evaluate(s.Risk, s.RiskState(now), amount)
	if !rd.Allowed {
		e.log.Info("risk denied", "strategy", strategyID, "reason", rd.Reason, "amount", amount)
		return SubmitResult{Accepted: false, Reason: rd.Reason}, nil
	}
	amount = rd.Size

	rr, err := e.ledger.Reserve(ctx, strategyID, sig, amount, intentID, now)
	if err != nil {
		return SubmitResult{}, err
	}
	if !rr.OK {
		return SubmitResult{Accepted: false, Reason: rr.Reason}, nil
	}
	order := rr.Order

	fill, err := e.gw.Place(ctx, gateway.Request{
		StrategyID: strategyID,
		OrderID:    order.ID,
		Side:       sig.Side,
		Price:      sig.Price,
		Size:       amount,
	})
	if err != nil {
		reason := ReasonGatewayError
		var rej gateway.Rejection
		if errors.As(err, &rej) {
			reason = rej.ReasonCode
		}
		if rjErr := e.ledger.RejectOrder(ctx, order.ID, reason, time.Now()); rjErr != nil {
			return SubmitResult{}, fmt.Errorf("reject after gateway failure: %w", rjErr)
		}
		return SubmitResult{Accepted: false, Reason: reason, OrderID: order.ID}, nil
	}

	if err := e.ledger.RecordFill(ctx, order.ID, fill.ExecutedPrice, fill.ExecutedSize, fill.ExternalID, time.Now()); err != nil {
		return SubmitResult{}, err
	}

	return SubmitResult{Accepted: true, OrderID: order.ID, Amount: amount}, nil
}

func (e *Engine) cachedResult(dec intent.Decision) (SubmitResult, error) {
	if dec.Status != intent.StatusCompleted && dec.Status != intent.StatusFailed {
		// First attempt still in flight; the caller retries later.
		return SubmitResult{Accepted: false, Reason: string(intent.ReasonDuplicate)}, nil
	}
	var res SubmitResult
	if dec.CachedResult != "" {
		if err := json.Unmarshal([]byte(dec.CachedResult), &res); err != nil {
			return SubmitResult{}, fmt.Errorf("decode cached intent result: %w", err)
		}
	} else {
		res.Reason = dec.CachedError
	}
	res.Cached = true
	return res, nil
}

// Resolve settles an order from the gateway's resolution callback.
func (e *Engine) Resolve(ctx context.Context, orderID string, outcome ledger.Outcome, pnl market.Cash, now time.Time) error {
	return e.ledger.ApplyResolution(ctx, orderID, outcome, pnl, now)
}

// Release cancels an unresolved order and frees its reservation.
func (e *Engine) Release(ctx context.Context, orderID string, now time.Time) error {
	return e.ledger.Release(ctx, orderID, now)
}
