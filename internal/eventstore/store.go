package eventstore

import (
	"context"

	"github.com/pkg/errors"

	"example.com/backstage/eventcore/internal/domain"
	"example.com/backstage/eventcore/internal/outbox"
)

var ErrInvalidBatch = errors.New("invalid batch")

// Batch is one atomic append: the records of a single command, optionally
// followed by a snapshot, and the outbox entries describing them.
type Batch struct {
	Stream domain.StreamKey
	// Expected is the version the stream must currently be at. Nil means
	// the stream must be empty.
	Expected *domain.Version
	Records  []domain.Record
	Outbox   []outbox.Entry
}

// Collapse replaces the whole stream with a single baseline record
type Collapse struct {
	Stream   domain.StreamKey
	Expected domain.Version
	Baseline domain.Record
	Outbox   []outbox.Entry
}

// Store is the event log contract. All records of a batch and its outbox
// entries become visible together or not at all.
type Store interface {
	// Load returns the records of stream with version >= from, ascending.
	Load(ctx context.Context, stream domain.StreamKey, from domain.Version) (*Iterator, error)
	// LatestSnapshot returns the newest snapshot at or below maxVersion, or nil.
	LatestSnapshot(ctx context.Context, stream domain.StreamKey, maxVersion domain.Version) (*domain.Record, error)
	// Append fails with *domain.VersionConflictError when the stream is not
	// at batch.Expected.
	Append(ctx context.Context, batch Batch) error
	Collapse(ctx context.Context, c Collapse) error
}

// Validate checks that the batch is contiguous and belongs to one stream
func (b Batch) Validate() error {
	if err := b.Stream.Validate(); err != nil {
		return errors.Wrap(ErrInvalidBatch, err.Error())
	}
	if len(b.Records) == 0 {
		return errors.Wrap(ErrInvalidBatch, "no records")
	}
	next := domain.Zero()
	if b.Expected != nil {
		next = b.Expected.Next()
	}
	for _, rec := range b.Records {
		if rec.Metadata.Stream() != b.Stream {
			return errors.Wrapf(ErrInvalidBatch, "record for stream %s in batch for %s", rec.Metadata.Stream(), b.Stream)
		}
		if rec.Version() != next {
			return errors.Wrapf(ErrInvalidBatch, "record version %d, expected %d", rec.Version(), next)
		}
		next++
	}
	return validateOutbox(b.Stream, b.Outbox)
}

// Validate checks the baseline sits right after the expected version
func (c Collapse) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return errors.Wrap(ErrInvalidBatch, err.Error())
	}
	if c.Baseline.Metadata.Stream() != c.Stream {
		return errors.Wrapf(ErrInvalidBatch, "baseline for stream %s in collapse of %s", c.Baseline.Metadata.Stream(), c.Stream)
	}
	if !c.Baseline.IsSnapshot() {
		return errors.Wrap(ErrInvalidBatch, "baseline is not a snapshot")
	}
	if c.Baseline.Version() != c.Expected.Next() {
		return errors.Wrapf(ErrInvalidBatch, "baseline version %d, expected %d", c.Baseline.Version(), c.Expected.Next())
	}
	return validateOutbox(c.Stream, c.Outbox)
}

func validateOutbox(stream domain.StreamKey, entries []outbox.Entry) error {
	for _, e := range entries {
		if e.Stream != stream {
			return errors.Wrapf(ErrInvalidBatch, "outbox entry for stream %s in batch for %s", e.Stream, stream)
		}
		if e.Target == "" {
			return errors.Wrapf(ErrInvalidBatch, "outbox entry %s has no target", e.ID)
		}
	}
	return nil
}

func checkExpected(stream domain.StreamKey, expected *domain.Version, current *domain.Version) error {
	switch {
	case expected == nil && current == nil:
		return nil
	case expected == nil:
		return domain.NewVersionConflict(stream, domain.Zero(), current)
	case current == nil || *current != *expected:
		return domain.NewVersionConflict(stream, *expected, current)
	}
	return nil
}
