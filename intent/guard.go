// Package intent is the idempotency guard for order submission: a durable
// record per caller-supplied intent id guarantees at-most-one real order
// results from any number of retried or concurrent submissions.
package intent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/copytrader/store"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Reason string

const (
	ReasonNew           Reason = "new"
	ReasonDuplicate     Reason = "duplicate"
	ReasonTaken         Reason = "intent_id_taken"
	ReasonExpiredReused Reason = "expired_reused"
	ReasonRace          Reason = "race_detected"
)

var ErrNotPending = errors.New("intent is not pending")

// Decision is the outcome of CheckAndRecord. For a completed duplicate the
// original result payload rides along so retries return the first answer.
type Decision struct {
	Allowed      bool
	Reason       Reason
	Status       Status
	CachedResult string
	CachedError  string
}

type Guard struct {
	store *store.Store
	ttl   time.Duration
	log   *slog.Logger
}

func NewGuard(s *store.Store, ttl time.Duration, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{store: s, ttl: ttl, log: log}
}

// NewID returns a fresh intent id for callers that do not supply their own.
func NewID() string {
	return uuid.NewString()
}

// CheckAndRecord inserts a pending record for an unseen intent id and
// reports whether the caller may proceed. Duplicate, foreign-owner and
// expired records are classified per the Reason constants. A concurrent
// insert that slips past the existence check lands on the primary key and
// comes back as race_detected, never as a second allowed submission.
func (g *Guard) CheckAndRecord(ctx context.Context, intentID, owner string, now time.Time) (Decision, error) {
	var (
		existingOwner string
		status        Status
		result        string
		errMsg        string
		expiresAt     int64
	)
	err := g.store.DB().QueryRowContext(ctx, `
		SELECT owner, status, result, error, expires_at
		FROM order_intents WHERE intent_id = ?`, intentID).
		Scan(&existingOwner, &status, &result, &errMsg, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return g.insert(ctx, intentID, owner, now, ReasonNew)

	case err != nil:
		return Decision{}, fmt.Errorf("lookup intent %s: %w", intentID, err)

	case expiresAt <= now.Unix():
		// Expired: delete and start over. The delete is conditional so a
		// concurrent reuse of the same id cannot drop the other caller's
		// fresh record.
		if _, err := g.store.DB().ExecContext(ctx, `
			DELETE FROM order_intents WHERE intent_id = ? AND expires_at <= ?`,
			intentID, now.Unix()); err != nil {
			return Decision{}, fmt.Errorf("expire intent %s: %w", intentID, err)
		}
		return g.insert(ctx, intentID, owner, now, ReasonExpiredReused)

	case existingOwner != owner:
		return Decision{Allowed: false, Reason: ReasonTaken, Status: status}, nil

	default:
		return Decision{
			Allowed:      false,
			Reason:       ReasonDuplicate,
			Status:       status,
			CachedResult: result,
			CachedError:  errMsg,
		}, nil
	}
}

func (g *Guard) insert(ctx context.Context, intentID, owner string, now time.Time, reason Reason) (Decision, error) {
	_, err := g.store.DB().ExecContext(ctx, `
		INSERT INTO order_intents (intent_id, owner, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		intentID, owner, StatusPending, now.Unix(), now.Add(g.ttl).Unix())
	if isUniqueViolation(err) {
		g.log.Warn("intent insert race", "intent_id", intentID, "owner", owner)
		return Decision{Allowed: false, Reason: ReasonRace}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("record intent %s: %w", intentID, err)
	}
	return Decision{Allowed: true, Reason: reason, Status: StatusPending}, nil
}

// Complete moves a pending/processing intent to a terminal state and stores
// the payload future duplicates will be answered with.
func (g *Guard) Complete(ctx context.Context, intentID string, status Status, result, errMsg string) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("complete intent %s: %q is not terminal", intentID, status)
	}

	res, err := g.store.DB().ExecContext(ctx, `
		UPDATE order_intents SET status = ?, result = ?, error = ?
		WHERE intent_id = ? AND status IN (?, ?)`,
		status, result, errMsg, intentID, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete intent %s: %w", intentID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("complete intent %s: %w", intentID, ErrNotPending)
	}
	return nil
}

// Sweep deletes terminal records past their expiry. Pending records are
// kept: their expiry is handled on the next CheckAndRecord for that id.
func (g *Guard) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := g.store.DB().ExecContext(ctx, `
		DELETE FROM order_intents
		WHERE expires_at <= ? AND status IN (?, ?)`,
		now.Unix(), StatusCompleted, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("sweep intents: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
