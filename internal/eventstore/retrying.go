package eventstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/eventcore/internal/domain"
)

// Retrying wraps a Store and retries transient failures with exponential
// backoff. Version conflicts, invalid batches and context errors are
// returned immediately.
type Retrying struct {
	inner      Store
	newBackOff func() backoff.BackOff
}

// NewRetrying wraps inner. newBackOff may be nil for the default policy of
// five retries starting at 50ms.
func NewRetrying(inner Store, newBackOff func() backoff.BackOff) *Retrying {
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, 5)
		}
	}
	return &Retrying{inner: inner, newBackOff: newBackOff}
}

func (r *Retrying) Load(ctx context.Context, stream domain.StreamKey, from domain.Version) (*Iterator, error) {
	var it *Iterator
	err := r.retry(ctx, "load", func() error {
		var err error
		it, err = r.inner.Load(ctx, stream, from)
		return err
	})
	return it, err
}

func (r *Retrying) LatestSnapshot(ctx context.Context, stream domain.StreamKey, maxVersion domain.Version) (*domain.Record, error) {
	var rec *domain.Record
	err := r.retry(ctx, "latest_snapshot", func() error {
		var err error
		rec, err = r.inner.LatestSnapshot(ctx, stream, maxVersion)
		return err
	})
	return rec, err
}

// Append retries transient failures. When an earlier attempt committed but
// its result was lost, the retry conflicts with the batch's own records;
// that case is detected by event id and reported as success.
func (r *Retrying) Append(ctx context.Context, batch Batch) error {
	failed := false
	return r.retry(ctx, "append", func() error {
		err := r.inner.Append(ctx, batch)
		if err != nil && failed && domain.IsVersionConflict(err) {
			committed, checkErr := r.committed(ctx, batch)
			if checkErr != nil {
				return checkErr
			}
			if committed {
				log.Info().Str("stream", batch.Stream.String()).Msg("Append committed on an earlier attempt")
				return nil
			}
		}
		if err != nil {
			failed = true
		}
		return err
	})
}

// committed reports whether every record of batch is already stored
func (r *Retrying) committed(ctx context.Context, batch Batch) (bool, error) {
	if len(batch.Records) == 0 {
		return false, nil
	}
	it, err := r.inner.Load(ctx, batch.Stream, batch.Records[0].Version())
	if err != nil {
		return false, err
	}
	stored, err := it.All(ctx)
	if err != nil {
		return false, err
	}
	ids := make(map[uuid.UUID]struct{}, len(stored))
	for _, rec := range stored {
		ids[rec.EventID] = struct{}{}
	}
	for _, rec := range batch.Records {
		if _, ok := ids[rec.EventID]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *Retrying) Collapse(ctx context.Context, c Collapse) error {
	return r.retry(ctx, "collapse", func() error {
		return r.inner.Collapse(ctx, c)
	})
}

func (r *Retrying) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Event store operation failed, retrying")
		return err
	}, backoff.WithContext(r.newBackOff(), ctx))
}

func permanent(err error) bool {
	return domain.IsVersionConflict(err) ||
		errors.Is(err, ErrInvalidBatch) ||
		errors.Is(err, domain.ErrInvalidIdentifier) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
