package lease

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

func newManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "lease.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewManager(s)
}

func TestAcquireExclusive(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	ctx := context.Background()
	t0 := time.Now()

	ok, err := m.Acquire(ctx, "sweep", 60*time.Second, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	// Before expiry nobody acquires, not even the holder.
	ok, err = m.Acquire(ctx, "sweep", 60*time.Second, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// After expiry the lease is up for grabs again.
	ok, err = m.Acquire(ctx, "sweep", 60*time.Second, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireDifferentJobsIndependent(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := m.Acquire(ctx, "cooldown-sweep", time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "intent-gc", time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	now := time.Now()

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Acquire(context.Background(), "sweep", time.Minute, now)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestRunSkipsWhenLeaseHeld(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	ctx := context.Background()

	ran := 0
	ok, err := m.Run(ctx, "auditor", time.Minute, func(ctx context.Context) error {
		ran++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Run(ctx, "auditor", time.Minute, func(ctx context.Context) error {
		ran++
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, ran)
}
