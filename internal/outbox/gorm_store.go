package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/eventcore/internal/domain"
	"example.com/backstage/eventcore/internal/models"
)

// GormStore implements Store on Postgres
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM outbox store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Insert(ctx context.Context, entries []Entry) error {
	return InsertTx(s.db.WithContext(ctx), entries)
}

// InsertTx stages entries on tx, which is usually the transaction that
// appends the corresponding events.
func InsertTx(tx *gorm.DB, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]models.OutboxEntry, 0, len(entries))
	for _, e := range entries {
		row, err := toRow(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := tx.Create(&rows).Error; err != nil {
		return errors.Wrap(err, "failed to insert outbox entries")
	}
	return nil
}

// heldBack excludes entries behind an older entry of the same stream that
// is still locked, so a later entry never overtakes an unresolved one.
const heldBack = `NOT EXISTS (
	SELECT 1 FROM outbox_entries older
	WHERE older.aggregate_type = outbox_entries.aggregate_type
	AND older.aggregate_id = outbox_entries.aggregate_id
	AND older.locked_at IS NOT NULL
	AND older.acknowledged_at IS NULL
	AND older.failed_at IS NULL
	AND (older.created_at, older.id) < (outbox_entries.created_at, outbox_entries.id))`

func (s *GormStore) Claim(ctx context.Context, owner string, limit int, now time.Time) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	candidates := s.db.Model(&models.OutboxEntry{}).
		Select("id").
		Where("locked_at IS NULL AND acknowledged_at IS NULL AND failed_at IS NULL").
		Where(heldBack).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})

	var rows []models.OutboxEntry
	err := s.db.WithContext(ctx).
		Model(&rows).
		Clauses(clause.Returning{}).
		Where("id IN (?) AND locked_at IS NULL", candidates).
		Updates(map[string]interface{}{
			"locked_at":  now,
			"lock_owner": owner,
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim outbox entries")
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return fromRows(rows)
}

func (s *GormStore) Acknowledge(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	return s.updateOwned(ctx, id, owner, map[string]interface{}{"acknowledged_at": now})
}

func (s *GormStore) MarkFailed(ctx context.Context, id uuid.UUID, owner string, reason string, now time.Time) error {
	return s.updateOwned(ctx, id, owner, map[string]interface{}{
		"failed_at":  now,
		"last_error": reason,
	})
}

func (s *GormStore) Release(ctx context.Context, id uuid.UUID, owner string) error {
	return s.updateOwned(ctx, id, owner, map[string]interface{}{
		"locked_at":  nil,
		"lock_owner": nil,
	})
}

func (s *GormStore) ReclaimExpired(ctx context.Context, lockedBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.OutboxEntry{}).
		Where("locked_at < ? AND acknowledged_at IS NULL AND failed_at IS NULL", lockedBefore).
		Updates(map[string]interface{}{"locked_at": nil, "lock_owner": nil})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to reclaim outbox entries")
	}
	return res.RowsAffected, nil
}

func (s *GormStore) PurgeAcknowledged(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("acknowledged_at < ?", before).
		Delete(&models.OutboxEntry{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to purge acknowledged outbox entries")
	}
	return res.RowsAffected, nil
}

func (s *GormStore) PurgeFailed(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("acknowledged_at IS NULL AND failed_at < ?", before).
		Delete(&models.OutboxEntry{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to purge failed outbox entries")
	}
	return res.RowsAffected, nil
}

func (s *GormStore) ListFailed(ctx context.Context, limit int) ([]Entry, error) {
	var rows []models.OutboxEntry
	query := s.db.WithContext(ctx).
		Where("failed_at IS NOT NULL AND acknowledged_at IS NULL").
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list failed outbox entries")
	}
	return fromRows(rows)
}

func (s *GormStore) Retry(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Model(&models.OutboxEntry{}).
		Where("entry_id = ? AND failed_at IS NOT NULL AND acknowledged_at IS NULL", id.String()).
		Updates(map[string]interface{}{
			"failed_at":  nil,
			"last_error": nil,
			"locked_at":  nil,
			"lock_owner": nil,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to retry outbox entry")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrEntryNotFound, "failed entry %s", id)
	}
	return nil
}

func (s *GormStore) updateOwned(ctx context.Context, id uuid.UUID, owner string, values map[string]interface{}) error {
	res := s.db.WithContext(ctx).
		Model(&models.OutboxEntry{}).
		Where("entry_id = ? AND lock_owner = ? AND locked_at IS NOT NULL AND acknowledged_at IS NULL AND failed_at IS NULL", id.String(), owner).
		Updates(values)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to update outbox entry %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrNotLockOwner, "entry %s owner %s", id, owner)
	}
	return nil
}

func toRow(e Entry) (models.OutboxEntry, error) {
	row := models.OutboxEntry{
		EntryID:        e.ID.String(),
		AggregateType:  string(e.Stream.Type),
		AggregateID:    string(e.Stream.ID),
		Target:         e.Target,
		RoutingKey:     e.RoutingKey,
		Payload:        e.Payload,
		CreatedAt:      e.CreatedAt,
		LockedAt:       e.LockedAt,
		AcknowledgedAt: e.AcknowledgedAt,
		FailedAt:       e.FailedAt,
		Attempts:       e.Attempts,
	}
	if e.Headers != nil {
		headers, err := json.Marshal(e.Headers)
		if err != nil {
			return models.OutboxEntry{}, errors.Wrap(err, "failed to marshal outbox headers")
		}
		row.Headers = headers
	}
	if e.LockOwner != "" {
		owner := e.LockOwner
		row.LockOwner = &owner
	}
	if e.LastError != "" {
		reason := e.LastError
		row.LastError = &reason
	}
	return row, nil
}

func fromRows(rows []models.OutboxEntry) ([]Entry, error) {
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func fromRow(row models.OutboxEntry) (Entry, error) {
	id, err := uuid.Parse(row.EntryID)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "invalid outbox entry id %q", row.EntryID)
	}
	e := Entry{
		ID:  id,
		Seq: int64(row.ID),
		Stream: domain.StreamKey{
			Type: domain.AggregateType(row.AggregateType),
			ID:   domain.AggregateID(row.AggregateID),
		},
		Message: Message{
			Target:     row.Target,
			RoutingKey: row.RoutingKey,
			Payload:    row.Payload,
		},
		CreatedAt:      row.CreatedAt,
		LockedAt:       row.LockedAt,
		AcknowledgedAt: row.AcknowledgedAt,
		FailedAt:       row.FailedAt,
		Attempts:       row.Attempts,
	}
	if len(row.Headers) > 0 {
		if err := json.Unmarshal(row.Headers, &e.Headers); err != nil {
			return Entry{}, errors.Wrapf(err, "invalid headers on outbox entry %s", row.EntryID)
		}
	}
	if row.LockOwner != nil {
		e.LockOwner = *row.LockOwner
	}
	if row.LastError != nil {
		e.LastError = *row.LastError
	}
	return e, nil
}
