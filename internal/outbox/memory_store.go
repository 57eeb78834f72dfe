package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/backstage/eventcore/internal/domain"
)

// MemoryStore is an in-process Store. A single mutex serialises every
// operation, which gives Claim the same exclusivity as SKIP LOCKED.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	entries map[uuid.UUID]*Entry
}

// NewMemoryStore creates an empty in-memory outbox
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]*Entry)}
}

func (s *MemoryStore) Insert(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, exists := s.entries[e.ID]; exists {
			return errors.Errorf("outbox entry %s already exists", e.ID)
		}
	}
	for _, e := range entries {
		s.seq++
		stored := e.clone()
		stored.Seq = s.seq
		s.entries[stored.ID] = &stored
	}
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, owner string, limit int, now time.Time) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// An entry still locked from an earlier claim holds back the rest of
	// its stream until it is acknowledged, failed or reclaimed.
	held := make(map[domain.StreamKey]bool)
	var candidates []*Entry
	for _, e := range s.sortedLocked(func(e *Entry) bool { return e.State() != StateAcknowledged && e.State() != StateFailed }) {
		if e.State() == StateLocked {
			held[e.Stream] = true
			continue
		}
		if held[e.Stream] {
			continue
		}
		candidates = append(candidates, e)
		if limit > 0 && len(candidates) == limit {
			break
		}
	}

	claimed := make([]Entry, 0, len(candidates))
	for _, e := range candidates {
		lockedAt := now
		e.LockedAt = &lockedAt
		e.LockOwner = owner
		e.Attempts++
		claimed = append(claimed, e.clone())
	}
	return claimed, nil
}

func (s *MemoryStore) Acknowledge(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	return s.mutateOwned(ctx, id, owner, func(e *Entry) {
		ackedAt := now
		e.AcknowledgedAt = &ackedAt
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, owner string, reason string, now time.Time) error {
	return s.mutateOwned(ctx, id, owner, func(e *Entry) {
		failedAt := now
		e.FailedAt = &failedAt
		e.LastError = reason
	})
}

func (s *MemoryStore) Release(ctx context.Context, id uuid.UUID, owner string) error {
	return s.mutateOwned(ctx, id, owner, func(e *Entry) {
		e.LockedAt = nil
		e.LockOwner = ""
	})
}

func (s *MemoryStore) ReclaimExpired(ctx context.Context, lockedBefore time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.entries {
		if e.State() == StateLocked && e.LockedAt.Before(lockedBefore) {
			e.LockedAt = nil
			e.LockOwner = ""
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PurgeAcknowledged(ctx context.Context, before time.Time) (int64, error) {
	return s.purge(ctx, func(e *Entry) bool {
		return e.AcknowledgedAt != nil && e.AcknowledgedAt.Before(before)
	})
}

func (s *MemoryStore) PurgeFailed(ctx context.Context, before time.Time) (int64, error) {
	return s.purge(ctx, func(e *Entry) bool {
		return e.AcknowledgedAt == nil && e.FailedAt != nil && e.FailedAt.Before(before)
	})
}

func (s *MemoryStore) ListFailed(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := s.sortedLocked(func(e *Entry) bool { return e.State() == StateFailed })
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	result := make([]Entry, 0, len(failed))
	for _, e := range failed {
		result = append(result, e.clone())
	}
	return result, nil
}

func (s *MemoryStore) Retry(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.State() != StateFailed {
		return errors.Wrapf(ErrEntryNotFound, "failed entry %s", id)
	}
	e.FailedAt = nil
	e.LastError = ""
	e.LockedAt = nil
	e.LockOwner = ""
	return nil
}

// Get returns a copy of one entry
func (s *MemoryStore) Get(id uuid.UUID) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// All returns copies of every entry in creation order
func (s *MemoryStore) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.sortedLocked(func(*Entry) bool { return true })
	result := make([]Entry, 0, len(all))
	for _, e := range all {
		result = append(result, e.clone())
	}
	return result
}

func (s *MemoryStore) mutateOwned(ctx context.Context, id uuid.UUID, owner string, mutate func(*Entry)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return errors.Wrapf(ErrEntryNotFound, "entry %s", id)
	}
	if e.State() != StateLocked || e.LockOwner != owner {
		return errors.Wrapf(ErrNotLockOwner, "entry %s owner %s", id, owner)
	}
	mutate(e)
	return nil
}

func (s *MemoryStore) purge(ctx context.Context, match func(*Entry) bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.entries {
		if match(e) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// sortedLocked returns matching entries ordered by creation time then seq.
// Callers hold s.mu.
func (s *MemoryStore) sortedLocked(match func(*Entry) bool) []*Entry {
	var result []*Entry
	for _, e := range s.entries {
		if match(e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result
}
