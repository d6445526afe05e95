package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/copytrader/market"
	"github.com/rustyeddy/copytrader/risk"
	"github.com/rustyeddy/copytrader/sizing"
	"github.com/rustyeddy/copytrader/store"
)

func newLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func testStrategy(id string, capital market.Cash) StrategyConfig {
	return StrategyConfig{
		ID:             id,
		Name:           "test " + id,
		InitialCapital: capital,
		Cooldown:       3 * time.Hour,
		Risk: risk.Params{
			MaxPositionSize:      100,
			MaxTotalExposure:     500,
			DailyBudget:          300,
			MaxDrawdownPct:       0.20,
			MaxConsecutiveLosses: 5,
		},
		Sizing: sizing.Config{
			Method:   sizing.MethodFixed,
			FixedBet: 40,
			MinBet:   5,
			MaxBet:   100,
		},
	}
}

func mustCreate(t *testing.T, l *Ledger, cfg StrategyConfig) {
	t.Helper()
	require.NoError(t, l.CreateStrategy(context.Background(), cfg, time.Now()))
}

func testSignal() market.Signal {
	return market.Signal{
		TraderID:       "whale-1",
		MarketID:       "mkt-1",
		Side:           market.SideBuy,
		Price:          0.5,
		Size:           200,
		WinProbability: 0.6,
		Time:           time.Now(),
	}
}

// assertIdentity checks the bucket identity after an operation.
func assertIdentity(t *testing.T, l *Ledger, strategyID string) {
	t.Helper()
	s, err := l.GetStrategy(context.Background(), strategyID)
	require.NoError(t, err)
	assert.InDelta(t, s.InitialCapital+s.RealizedPnl,
		s.AvailableCash+s.LockedCapital+s.CooldownCapital, 1e-6)
	assert.GreaterOrEqual(t, s.AvailableCash, 0.0)
}

func TestCreateStrategy(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))

	s, err := l.GetStrategy(context.Background(), "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, s.AvailableCash, 1e-9)
	assert.InDelta(t, 1000.0, s.PeakEquity, 1e-9)
	assert.Zero(t, s.LockedCapital)
	assert.Equal(t, 3*time.Hour, s.Cooldown)
	assert.Equal(t, sizing.MethodFixed, s.Sizing.Method)

	err = l.CreateStrategy(context.Background(), testStrategy("s1", 500), time.Now())
	assert.ErrorIs(t, err, ErrStrategyExists)
}

func TestReserveMovesAvailableToLocked(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "s1", testSignal(), 40, "", time.Now())
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, StatusPending, res.Order.Status)
	assert.InDelta(t, 40.0, res.Order.Cost, 1e-9)

	s, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 960.0, s.AvailableCash, 1e-9)
	assert.InDelta(t, 40.0, s.LockedCapital, 1e-9)
	assertIdentity(t, l, "s1")
}

func TestReserveInsufficientFunds(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "s1", testSignal(), 2000, "", time.Now())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonInsufficientFunds, res.Reason)

	s, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, s.AvailableCash, 1e-9)
	assert.Zero(t, s.LockedCapital)
}

func TestReserveArchivedStrategy(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()

	require.NoError(t, l.ArchiveStrategy(ctx, "s1", time.Now()))
	_, err := l.Reserve(ctx, "s1", testSignal(), 40, "", time.Now())
	assert.ErrorIs(t, err, ErrStrategyArchived)
}

func TestConcurrentReserveNoOverdraft(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 100))

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Reserve(context.Background(), "s1", testSignal(), 30, "", time.Now())
			require.NoError(t, err)
			if res.OK {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 100 of capital admits exactly three reservations of 30.
	assert.Equal(t, 3, succeeded)
	assertIdentity(t, l, "s1")
}

func TestRecordFillPartialRefundsUnfilled(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "s1", testSignal(), 40, "", time.Now())
	require.NoError(t, err)
	require.True(t, res.OK)

	require.NoError(t, l.RecordFill(ctx, res.Order.ID, 0.5, 30, "x-1", time.Now()))

	o, err := l.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, o.Status)
	assert.InDelta(t, 30.0, o.Cost, 1e-9)
	assert.InDelta(t, 30.0, o.ExecSize, 1e-9)

	s, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 970.0, s.AvailableCash, 1e-9)
	assert.InDelta(t, 30.0, s.LockedCapital, 1e-9)
	assertIdentity(t, l, "s1")
}

func TestRecordFillTwiceFails(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "s1", testSignal(), 40, "", time.Now())
	require.NoError(t, err)

	require.NoError(t, l.RecordFill(ctx, res.Order.ID, 0.5, 40, "x-1", time.Now()))
	err = l.RecordFill(ctx, res.Order.ID, 0.5, 40, "x-1", time.Now())
	assert.ErrorIs(t, err, ErrOrderNotPending)
}

func TestRejectReturnsCapitalWithoutCooldown(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "s1", testSignal(), 40, "", time.Now())
	require.NoError(t, err)

	require.NoError(t, l.RejectOrder(ctx, res.Order.ID, "insufficient_liquidity", time.Now()))

	o, err := l.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Equal(t, OutcomeCancelled, o.Outcome)
	assert.Equal(t, "insufficient_liquidity", o.ReasonCode)

	s, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, s.AvailableCash, 1e-9)
	assert.Zero(t, s.CooldownCapital)
	assertIdentity(t, l, "s1")
}

func TestReleaseFilledOrder(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "s1", testSignal(), 40, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, l.RecordFill(ctx, res.Order.ID, 0.5, 40, "x-1", time.Now()))

	require.NoError(t, l.Release(ctx, res.Order.ID, time.Now()))

	s, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, s.AvailableCash, 1e-9)
	assert.Zero(t, s.LockedCapital)

	// Released orders cannot be resolved afterwards.
	err = l.ApplyResolution(ctx, res.Order.ID, OutcomeWon, 10, time.Now())
	assert.ErrorIs(t, err, ErrOrderNotOpen)
}

func resolveOne(t *testing.T, l *Ledger, strategyID string, amount, pnl market.Cash, now time.Time) string {
	t.Helper()
	ctx := context.Background()

	res, err := l.Reserve(ctx, strategyID, testSignal(), amount, "", now)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NoError(t, l.RecordFill(ctx, res.Order.ID, 0.5, amount, "x", now))

	outcome := OutcomeWon
	if pnl < 0 {
		outcome = OutcomeLost
	}
	require.NoError(t, l.ApplyResolution(ctx, res.Order.ID, outcome, pnl, now))
	return res.Order.ID
}

func TestApplyResolutionWin(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	now := time.Now()

	resolveOne(t, l, "s1", 40, 56, now)

	s, err := l.GetStrategy(context.Background(), "s1")
	require.NoError(t, err)
	assert.InDelta(t, 960.0, s.AvailableCash, 1e-9)
	assert.Zero(t, s.LockedCapital)
	assert.InDelta(t, 96.0, s.CooldownCapital, 1e-9)
	assert.InDelta(t, 56.0, s.RealizedPnl, 1e-9)
	assert.InDelta(t, 1056.0, s.PeakEquity, 1e-9)
	assertIdentity(t, l, "s1")
}

func TestApplyResolutionTotalLoss(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	now := time.Now()

	resolveOne(t, l, "s1", 40, -40, now)

	s, err := l.GetStrategy(context.Background(), "s1")
	require.NoError(t, err)
	assert.InDelta(t, 960.0, s.AvailableCash, 1e-9)
	assert.Zero(t, s.LockedCapital)
	// A total loss leaves nothing to cool down.
	assert.Zero(t, s.CooldownCapital)
	assert.InDelta(t, -40.0, s.RealizedPnl, 1e-9)
	assert.Equal(t, 1, s.ConsecutiveLosses)
	assertIdentity(t, l, "s1")
}

func TestApplyResolutionPartialLossCoolsRemainder(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	now := time.Now()

	resolveOne(t, l, "s1", 40, -15, now)

	s, err := l.GetStrategy(context.Background(), "s1")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, s.CooldownCapital, 1e-9)
	assert.InDelta(t, -15.0, s.RealizedPnl, 1e-9)
	assertIdentity(t, l, "s1")
}

func TestApplyResolutionExactlyOnce(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()
	now := time.Now()

	orderID := resolveOne(t, l, "s1", 40, 56, now)

	err := l.ApplyResolution(ctx, orderID, OutcomeWon, 56, now)
	assert.ErrorIs(t, err, ErrOrderNotOpen)

	s, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 96.0, s.CooldownCapital, 1e-9)
	assert.InDelta(t, 56.0, s.RealizedPnl, 1e-9)
}

func TestMatureCooldownExactlyOnce(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	now := time.Now()

	resolveOne(t, l, "s1", 40, 56, now)
	ctx := context.Background()

	// Not due yet.
	n, err := l.MatureCooldown(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Due: first sweep credits, second finds nothing.
	n, err = l.MatureCooldown(ctx, now.Add(3*time.Hour+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = l.MatureCooldown(ctx, now.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	s, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1056.0, s.AvailableCash, 1e-9)
	assert.Zero(t, s.CooldownCapital)
	assertIdentity(t, l, "s1")
}

func TestMatureCooldownConcurrentSweeps(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	now := time.Now()
	resolveOne(t, l, "s1", 40, 56, now)

	due := now.Add(4 * time.Hour)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := l.MatureCooldown(context.Background(), due)
			require.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)

	s, err := l.GetStrategy(context.Background(), "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1056.0, s.AvailableCash, 1e-9)
}

func TestCircuitBreakerTripsOnConsecutiveLosses(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	now := time.Now()

	for i := 0; i < 5; i++ {
		resolveOne(t, l, "s1", 10, -1, now)
	}

	s, err := l.GetStrategy(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, s.CircuitBreakerActive)
	assert.Equal(t, risk.TripConsecutiveLosses, s.CircuitBreakerReason)
	assert.Equal(t, 5, s.ConsecutiveLosses)

	dec := risk.Evaluate(s.Risk, s.RiskState(now), 10)
	assert.False(t, dec.Allowed)
	assert.Equal(t, risk.ReasonCircuitBreaker, dec.Reason)
}

func TestWinResetsLossStreak(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	now := time.Now()

	resolveOne(t, l, "s1", 10, -1, now)
	resolveOne(t, l, "s1", 10, -1, now)
	resolveOne(t, l, "s1", 10, 5, now)

	s, err := l.GetStrategy(context.Background(), "s1")
	require.NoError(t, err)
	assert.Zero(t, s.ConsecutiveLosses)
	assert.False(t, s.CircuitBreakerActive)
}

func TestOperatorResumeClearsBreaker(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	now := time.Now()

	for i := 0; i < 5; i++ {
		resolveOne(t, l, "s1", 10, -1, now)
	}
	ctx := context.Background()

	require.NoError(t, l.Resume(ctx, "s1", "ops@desk", "reviewed losses", now))

	s, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, s.CircuitBreakerActive)
	assert.Zero(t, s.ConsecutiveLosses)
}

func TestDailySpendRollsOverAtMidnightUTC(t *testing.T) {
	t.Parallel()

	l, _ := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

	_, err := l.Reserve(ctx, "s1", testSignal(), 40, "", day1)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "s1", testSignal(), 25, "", day2)
	require.NoError(t, err)

	s, err := l.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, s.DailySpent, 1e-9)
	assert.Equal(t, "2026-03-02", s.DailySpentDay)

	// A snapshot taken on yet another day reports zero spent.
	st := s.RiskState(day2.Add(24 * time.Hour))
	assert.Zero(t, st.DailySpent)
}

func TestCheckInvariantFlagsAndReserveRefuses(t *testing.T) {
	t.Parallel()

	l, s := newLedger(t)
	mustCreate(t, l, testStrategy("s1", 1000))
	ctx := context.Background()

	require.NoError(t, l.CheckInvariant(ctx, "s1"))

	// Corrupt the cached counter behind the ledger's back.
	_, err := s.DB().Exec(`UPDATE strategies SET available_cash = 1234 WHERE strategy_id = 's1'`)
	require.NoError(t, err)

	err = l.CheckInvariant(ctx, "s1")
	assert.ErrorIs(t, err, ErrLedgerInconsistent)

	_, err = l.Reserve(ctx, "s1", testSignal(), 40, "", time.Now())
	assert.ErrorIs(t, err, ErrLedgerInconsistent)

	// Reconcile repairs from durable history and reopens the strategy.
	snap, err := l.Reconcile(ctx, "s1", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, snap.AvailableCash, 1e-9)

	res, err := l.Reserve(ctx, "s1", testSignal(), 40, "", time.Now())
	require.NoError(t, err)
	assert.True(t, res.OK)
}
