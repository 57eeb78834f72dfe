package eventstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/eventcore/internal/domain"
	"example.com/backstage/eventcore/internal/outbox"
)

// MemoryStore keeps streams in process. Outbox entries go to the configured
// writer while the stream lock is held; if the writer fails nothing is
// appended.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[domain.StreamKey][]domain.Record
	outbox  outbox.Writer
}

// NewMemoryStore creates an in-memory event store writing outbox entries to w.
// w may be nil when no component routes events.
func NewMemoryStore(w outbox.Writer) *MemoryStore {
	return &MemoryStore{
		streams: make(map[domain.StreamKey][]domain.Record),
		outbox:  w,
	}
}

func (s *MemoryStore) Load(ctx context.Context, stream domain.StreamKey, from domain.Version) (*Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.streams[stream]
	result := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		if rec.Version() >= from {
			result = append(result, cloneRecord(rec))
		}
	}
	return SliceIterator(result), nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, stream domain.StreamKey, maxVersion domain.Version) (*domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.streams[stream]
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.IsSnapshot() && rec.Version() <= maxVersion {
			found := cloneRecord(rec)
			return &found, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Append(ctx context.Context, batch Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkExpected(batch.Stream, batch.Expected, s.currentLocked(batch.Stream)); err != nil {
		return err
	}
	if err := s.writeOutbox(ctx, batch.Outbox); err != nil {
		return err
	}

	for _, rec := range batch.Records {
		s.streams[batch.Stream] = append(s.streams[batch.Stream], cloneRecord(rec))
	}

	last := batch.Records[len(batch.Records)-1]
	log.Debug().
		Str("stream", batch.Stream.String()).
		Uint64("version", last.Version().Value()).
		Int("records", len(batch.Records)).
		Msg("Records appended")
	return nil
}

func (s *MemoryStore) Collapse(ctx context.Context, c Collapse) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := c.Expected
	if err := checkExpected(c.Stream, &expected, s.currentLocked(c.Stream)); err != nil {
		return err
	}
	if err := s.writeOutbox(ctx, c.Outbox); err != nil {
		return err
	}

	s.streams[c.Stream] = []domain.Record{cloneRecord(c.Baseline)}
	log.Info().
		Str("stream", c.Stream.String()).
		Uint64("version", c.Baseline.Version().Value()).
		Msg("Stream collapsed")
	return nil
}

func (s *MemoryStore) writeOutbox(ctx context.Context, entries []outbox.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if s.outbox == nil {
		return errors.New("event store has no outbox writer")
	}
	if err := s.outbox.Insert(ctx, entries); err != nil {
		return errors.Wrap(err, "failed to stage outbox entries")
	}
	return nil
}

func (s *MemoryStore) currentLocked(stream domain.StreamKey) *domain.Version {
	records := s.streams[stream]
	if len(records) == 0 {
		return nil
	}
	v := records[len(records)-1].Version()
	return &v
}

func cloneRecord(rec domain.Record) domain.Record {
	c := rec
	if rec.Payload != nil {
		c.Payload = append([]byte(nil), rec.Payload...)
	}
	return c
}
