package eventstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/eventcore/internal/domain"
	"example.com/backstage/eventcore/internal/models"
	"example.com/backstage/eventcore/internal/outbox"
)

const uniqueViolation = "23505"

// GormStore implements Store on Postgres. Concurrent appends to one stream
// race on the (aggregate_type, aggregate_id, version) unique index.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM event store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, stream domain.StreamKey, from domain.Version) (*Iterator, error) {
	db := s.db.WithContext(ctx)
	rows, err := db.Model(&models.Event{}).
		Where("aggregate_type = ? AND aggregate_id = ? AND version >= ?", string(stream.Type), string(stream.ID), int64(from)).
		Order("version ASC").
		Rows()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load stream %s", stream)
	}

	next := func(context.Context) (*domain.Record, error) {
		if !rows.Next() {
			return nil, rows.Err()
		}
		var row models.Event
		if err := db.ScanRows(rows, &row); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		rec, err := fromEventRow(row)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	}
	return NewIterator(next, rows.Close), nil
}

func (s *GormStore) LatestSnapshot(ctx context.Context, stream domain.StreamKey, maxVersion domain.Version) (*domain.Record, error) {
	var row models.Event
	err := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ? AND snapshot = ? AND version <= ?",
			string(stream.Type), string(stream.ID), true, int64(maxVersion)).
		Order("version DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load snapshot of %s", stream)
	}
	rec, err := fromEventRow(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) Append(ctx context.Context, batch Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := currentVersion(tx, batch.Stream)
		if err != nil {
			return err
		}
		if err := checkExpected(batch.Stream, batch.Expected, current); err != nil {
			return err
		}

		rows := make([]models.Event, 0, len(batch.Records))
		for _, rec := range batch.Records {
			rows = append(rows, toEventRow(rec))
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		return outbox.InsertTx(tx, batch.Outbox)
	})
	if isUniqueViolation(err) {
		expected := domain.Zero()
		if batch.Expected != nil {
			expected = *batch.Expected
		}
		return domain.NewVersionConflict(batch.Stream, expected, nil)
	}
	if err != nil {
		if domain.IsVersionConflict(err) {
			return err
		}
		return errors.Wrapf(err, "failed to append to stream %s", batch.Stream)
	}

	last := batch.Records[len(batch.Records)-1]
	log.Debug().
		Str("stream", batch.Stream.String()).
		Uint64("version", last.Version().Value()).
		Int("records", len(batch.Records)).
		Msg("Records appended")
	return nil
}

func (s *GormStore) Collapse(ctx context.Context, c Collapse) error {
	if err := c.Validate(); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := currentVersion(tx, c.Stream)
		if err != nil {
			return err
		}
		expected := c.Expected
		if err := checkExpected(c.Stream, &expected, current); err != nil {
			return err
		}

		if err := tx.Where("aggregate_type = ? AND aggregate_id = ?", string(c.Stream.Type), string(c.Stream.ID)).
			Delete(&models.Event{}).Error; err != nil {
			return err
		}
		baseline := toEventRow(c.Baseline)
		if err := tx.Create(&baseline).Error; err != nil {
			return err
		}
		return outbox.InsertTx(tx, c.Outbox)
	})
	if isUniqueViolation(err) {
		return domain.NewVersionConflict(c.Stream, c.Expected, nil)
	}
	if err != nil {
		if domain.IsVersionConflict(err) {
			return err
		}
		return errors.Wrapf(err, "failed to collapse stream %s", c.Stream)
	}

	log.Info().
		Str("stream", c.Stream.String()).
		Uint64("version", c.Baseline.Version().Value()).
		Msg("Stream collapsed")
	return nil
}

func currentVersion(tx *gorm.DB, stream domain.StreamKey) (*domain.Version, error) {
	var latest sql.NullInt64
	err := tx.Model(&models.Event{}).
		Select("MAX(version)").
		Where("aggregate_type = ? AND aggregate_id = ?", string(stream.Type), string(stream.ID)).
		Scan(&latest).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read version of %s", stream)
	}
	if !latest.Valid {
		return nil, nil
	}
	v := domain.Version(latest.Int64)
	return &v, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func toEventRow(rec domain.Record) models.Event {
	return models.Event{
		EventID:       rec.EventID.String(),
		AggregateType: string(rec.Metadata.AggregateType),
		AggregateID:   string(rec.Metadata.AggregateID),
		Version:       int64(rec.Version()),
		EventName:     rec.Metadata.EventName,
		SchemaVersion: rec.SchemaVersion,
		Snapshot:      rec.IsSnapshot(),
		Data:          rec.Payload,
		AgentKind:     string(rec.Metadata.Agent.Kind),
		AgentID:       rec.Metadata.Agent.ID,
		OccurredAt:    rec.Metadata.OccurredAt,
	}
}

func fromEventRow(row models.Event) (domain.Record, error) {
	id, err := uuid.Parse(row.EventID)
	if err != nil {
		return domain.Record{}, errors.Wrapf(err, "invalid event id %q", row.EventID)
	}
	return domain.Record{
		EventID: id,
		Metadata: domain.EventMetadata{
			AggregateType:    domain.AggregateType(row.AggregateType),
			AggregateID:      domain.AggregateID(row.AggregateID),
			AggregateVersion: domain.Version(row.Version),
			EventName:        row.EventName,
			Agent:            domain.Agent{Kind: domain.AgentKind(row.AgentKind), ID: row.AgentID},
			OccurredAt:       row.OccurredAt.UTC(),
		},
		SchemaVersion: row.SchemaVersion,
		Payload:       row.Data,
		Snapshot:      row.Snapshot,
	}, nil
}
