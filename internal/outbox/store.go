package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrEntryNotFound = errors.New("outbox entry not found")
	ErrNotLockOwner  = errors.New("outbox entry not locked by owner")
)

// Writer stages entries. Event stores call it inside the same atomic unit as
// the event append.
type Writer interface {
	Insert(ctx context.Context, entries []Entry) error
}

// Store is the persistence contract of the relay
type Store interface {
	Writer

	// Claim locks up to limit publishable entries for owner, oldest first,
	// and increments their attempt counters.
	Claim(ctx context.Context, owner string, limit int, now time.Time) ([]Entry, error)
	Acknowledge(ctx context.Context, id uuid.UUID, owner string, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, owner string, reason string, now time.Time) error
	Release(ctx context.Context, id uuid.UUID, owner string) error

	// ReclaimExpired unlocks entries locked before lockedBefore that were
	// neither acknowledged nor failed.
	ReclaimExpired(ctx context.Context, lockedBefore time.Time) (int64, error)
	PurgeAcknowledged(ctx context.Context, before time.Time) (int64, error)
	PurgeFailed(ctx context.Context, before time.Time) (int64, error)

	ListFailed(ctx context.Context, limit int) ([]Entry, error)
	// Retry clears the failure and lock of a failed entry so it is claimed again.
	Retry(ctx context.Context, id uuid.UUID) error
}
