package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileRebuildsFromHistory(t *testing.T) {
	t.Parallel()

	l, s := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()
	now := time.Now()

	// One open filled order for 40.
	res, err := l.Reserve(ctx, "s1", testSignal(), 40, "", now)
	require.NoError(t, err)
	require.NoError(t, l.RecordFill(ctx, res.Order.ID, 0.5, 40, "x-open", now))

	// One resolved winner: pnl 16, payout 56 still cooling down.
	resolveOne(t, l, "s1", 40, 16, now)

	// Trash the cached counters, then rebuild.
	_, err = s.DB().Exec(`
		UPDATE strategies SET available_cash = 0, locked_capital = 0,
			cooldown_capital = 0, realized_pnl = 0, inconsistent = 1
		WHERE strategy_id = 's1'`)
	require.NoError(t, err)

	snap, err := l.Reconcile(ctx, "s1", now)
	require.NoError(t, err)

	assert.InDelta(t, 920.0, snap.AvailableCash, 1e-9)
	assert.InDelta(t, 40.0, snap.LockedCapital, 1e-9)
	assert.InDelta(t, 56.0, snap.CooldownCapital, 1e-9)
	assert.InDelta(t, 16.0, snap.RealizedPnl, 1e-9)
	assert.InDelta(t, 1016.0, snap.Equity, 1e-9)
	assert.Zero(t, snap.CancelledStale)

	st, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, st.Inconsistent)
	assertIdentity(t, l, "s1")
}

func TestReconcileCancelsStalePending(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()
	now := time.Now()

	// A crash between reserve and fill leaves a PENDING order holding 40.
	res, err := l.Reserve(ctx, "s1", testSignal(), 40, "", now)
	require.NoError(t, err)

	snap, err := l.Reconcile(ctx, "s1", now)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.CancelledStale)
	assert.InDelta(t, 1000.0, snap.AvailableCash, 1e-9)
	assert.Zero(t, snap.LockedCapital)

	o, err := l.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, OutcomeCancelled, o.Outcome)
	assert.Equal(t, "reconciled", o.ReasonCode)
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()
	now := time.Now()

	resolveOne(t, l, "s1", 40, 16, now)

	first, err := l.Reconcile(ctx, "s1", now)
	require.NoError(t, err)
	second, err := l.Reconcile(ctx, "s1", now)
	require.NoError(t, err)

	assert.Equal(t, first.AvailableCash, second.AvailableCash)
	assert.Equal(t, first.LockedCapital, second.LockedCapital)
	assert.Equal(t, first.CooldownCapital, second.CooldownCapital)
	assert.Equal(t, first.RealizedPnl, second.RealizedPnl)
	assert.Zero(t, second.CancelledStale)
}

func TestReconcileUnknownStrategy(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	_, err := l.Reconcile(context.Background(), "nope", time.Now())
	assert.ErrorIs(t, err, ErrStrategyNotFound)
}

func TestReconcileAfterMaturedCooldown(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()
	now := time.Now()

	resolveOne(t, l, "s1", 40, 56, now)
	n, err := l.MatureCooldown(ctx, now.Add(4*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	snap, err := l.Reconcile(ctx, "s1", now.Add(4*time.Hour))
	require.NoError(t, err)

	// Released entries no longer count as cooldown capital.
	assert.Zero(t, snap.CooldownCapital)
	assert.InDelta(t, 1056.0, snap.AvailableCash, 1e-9)
	assert.InDelta(t, 1056.0, snap.Equity, 1e-9)
}
