package intent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/copytrader/store"
)

func newGuard(t *testing.T, ttl time.Duration) *Guard {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "intent.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewGuard(s, ttl, nil)
}

func TestCheckAndRecordNew(t *testing.T) {
	t.Parallel()

	g := newGuard(t, time.Hour)
	dec, err := g.CheckAndRecord(context.Background(), "i-1", "alice", time.Now())
	require.NoError(t, err)

	assert.True(t, dec.Allowed)
	assert.Equal(t, ReasonNew, dec.Reason)
}

func TestDuplicateReturnsCachedResult(t *testing.T) {
	t.Parallel()

	g := newGuard(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	_, err := g.CheckAndRecord(ctx, "i-1", "alice", now)
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, "i-1", StatusCompleted, `{"order_id":"o-1"}`, ""))

	dec, err := g.CheckAndRecord(ctx, "i-1", "alice", now.Add(time.Minute))
	require.NoError(t, err)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonDuplicate, dec.Reason)
	assert.Equal(t, StatusCompleted, dec.Status)
	assert.Equal(t, `{"order_id":"o-1"}`, dec.CachedResult)
}

func TestDuplicateWhileStillPending(t *testing.T) {
	t.Parallel()

	g := newGuard(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	_, err := g.CheckAndRecord(ctx, "i-1", "alice", now)
	require.NoError(t, err)

	dec, err := g.CheckAndRecord(ctx, "i-1", "alice", now.Add(time.Second))
	require.NoError(t, err)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonDuplicate, dec.Reason)
	assert.Equal(t, StatusPending, dec.Status)
	assert.Empty(t, dec.CachedResult)
}

func TestDifferentOwnerDenied(t *testing.T) {
	t.Parallel()

	g := newGuard(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	_, err := g.CheckAndRecord(ctx, "i-1", "alice", now)
	require.NoError(t, err)

	dec, err := g.CheckAndRecord(ctx, "i-1", "mallory", now)
	require.NoError(t, err)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonTaken, dec.Reason)
	assert.Empty(t, dec.CachedResult)
}

func TestExpiredRecordReused(t *testing.T) {
	t.Parallel()

	g := newGuard(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, err := g.CheckAndRecord(ctx, "i-1", "alice", now)
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, "i-1", StatusCompleted, "done", ""))

	dec, err := g.CheckAndRecord(ctx, "i-1", "bob", now.Add(2*time.Minute))
	require.NoError(t, err)

	assert.True(t, dec.Allowed)
	assert.Equal(t, ReasonExpiredReused, dec.Reason)
}

func TestCompleteTwiceFails(t *testing.T) {
	t.Parallel()

	g := newGuard(t, time.Hour)
	ctx := context.Background()

	_, err := g.CheckAndRecord(ctx, "i-1", "alice", time.Now())
	require.NoError(t, err)

	require.NoError(t, g.Complete(ctx, "i-1", StatusFailed, "", "gateway down"))
	err = g.Complete(ctx, "i-1", StatusCompleted, "late", "")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestCompleteRequiresTerminalStatus(t *testing.T) {
	t.Parallel()

	g := newGuard(t, time.Hour)
	ctx := context.Background()

	_, err := g.CheckAndRecord(ctx, "i-1", "alice", time.Now())
	require.NoError(t, err)

	assert.Error(t, g.Complete(ctx, "i-1", StatusProcessing, "", ""))
}

func TestSweepDeletesOnlyExpiredTerminal(t *testing.T) {
	t.Parallel()

	g := newGuard(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, err := g.CheckAndRecord(ctx, "done", "alice", now)
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, "done", StatusCompleted, "ok", ""))

	_, err = g.CheckAndRecord(ctx, "pending", "alice", now)
	require.NoError(t, err)

	n, err := g.Sweep(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The pending record survives and still dedupes.
	dec, err := g.CheckAndRecord(ctx, "pending", "alice", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, dec.Reason)
}

func TestConcurrentSameIntentSingleWinner(t *testing.T) {
	t.Parallel()

	g := newGuard(t, time.Hour)
	now := time.Now()

	const callers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := g.CheckAndRecord(context.Background(), "i-race", "alice", now)
			require.NoError(t, err)
			if dec.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			} else {
				// Losers are classified, never silently allowed.
				assert.Contains(t, []Reason{ReasonDuplicate, ReasonRace}, dec.Reason)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, allowed)
}
