// Package lease provides a TTL-based mutual-exclusion lease over the shared
// store so that only one instance of a named scheduled job runs at a time
// across processes and restarts.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/rustyeddy/copytrader/store"
)

type Manager struct {
	store *store.Store
}

func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Acquire claims jobName until now+d. The insert-or-update-if-expired is a
// single statement: of two racing callers SQLite serializes the writes and
// only the one whose conditional update fires sees RowsAffected > 0. There
// is no release; leases expire on their own, so a crashed holder simply
// times out.
func (m *Manager) Acquire(ctx context.Context, jobName string, d time.Duration, now time.Time) (bool, error) {
	res, err := m.store.DB().ExecContext(ctx, `
		INSERT INTO job_leases (job_name, locked_until, locked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_name) DO UPDATE SET
			locked_until = excluded.locked_until,
			locked_at    = excluded.locked_at
		WHERE job_leases.locked_until <= ?`,
		jobName, now.Add(d).Unix(), now.Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("acquire lease %q: %w", jobName, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Run executes fn only if the lease was won. Losing is not an error: the
// caller just skips this cycle.
func (m *Manager) Run(ctx context.Context, jobName string, d time.Duration, fn func(ctx context.Context) error) (bool, error) {
	ok, err := m.Acquire(ctx, jobName, d, time.Now())
	if err != nil || !ok {
		return false, err
	}
	return true, fn(ctx)
}
