package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/backstage/eventcore/internal/clock"
	"example.com/backstage/eventcore/internal/domain"
)

// RelayConfig configures the relay.
type RelayConfig struct {
	Owner           string        // Lock owner prefix (default: "relay")
	BatchSize       int           // Max entries per claim (default: 100)
	PublishTimeout  time.Duration // Per-entry publish deadline (default: 10s)
	Lease           time.Duration // Lock age after which entries are reclaimed (default: 5m)
	AckRetention    time.Duration // Age after which acknowledged entries are purged (default: 24h)
	FailedRetention time.Duration // Age after which failed entries are purged (default: 168h)
}

// PublishResult summarises one publish pass
type PublishResult struct {
	Claimed      int
	Acknowledged int
	Failed       int
	Released     int
	Ambiguous    int
}

// GCResult summarises one garbage collection pass
type GCResult struct {
	Acknowledged int64
	Failed       int64
}

// Relay moves entries from a Store to a Broker with at-least-once delivery
type Relay struct {
	store  Store
	broker Broker
	clock  clock.Clock
	cfg    RelayConfig
	owner  string
	tracer trace.Tracer
}

// RelayOption customises a Relay
type RelayOption func(*Relay)

// WithRelayClock replaces the real clock
func WithRelayClock(c clock.Clock) RelayOption {
	return func(r *Relay) {
		r.clock = c
	}
}

// NewRelay creates a relay with a unique lock owner token
func NewRelay(store Store, broker Broker, cfg RelayConfig, opts ...RelayOption) *Relay {
	if cfg.Owner == "" {
		cfg.Owner = "relay"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.AckRetention <= 0 {
		cfg.AckRetention = 24 * time.Hour
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 7 * 24 * time.Hour
	}

	r := &Relay{
		store:  store,
		broker: broker,
		clock:  clock.RealClock{},
		cfg:    cfg,
		owner:  NewOwnerToken(cfg.Owner),
		tracer: otel.Tracer("example.com/backstage/eventcore/internal/outbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewOwnerToken returns a lock owner token unique to this process
func NewOwnerToken(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

// Owner returns the relay's lock owner token
func (r *Relay) Owner() string {
	return r.owner
}

// PublishPending claims one batch and publishes it in order. Once an entry
// of a stream is not acknowledged, the remaining entries of that stream in
// the batch are released unpublished.
func (r *Relay) PublishPending(ctx context.Context) (PublishResult, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.publish_pending")
	defer span.End()

	var result PublishResult
	entries, err := r.store.Claim(ctx, r.owner, r.cfg.BatchSize, r.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, errors.Wrap(err, "failed to claim outbox entries")
	}
	result.Claimed = len(entries)
	span.SetAttributes(attribute.Int("outbox.claimed", len(entries)))
	if len(entries) == 0 {
		return result, nil
	}

	blocked := make(map[domain.StreamKey]bool)
	for _, entry := range entries {
		if ctx.Err() != nil || blocked[entry.Stream] {
			if err := r.store.Release(context.WithoutCancel(ctx), entry.ID, r.owner); err != nil {
				log.Warn().Err(err).Str("entry_id", entry.ID.String()).Msg("Failed to release outbox entry")
			} else {
				result.Released++
			}
			continue
		}

		if r.publish(ctx, entry, &result) {
			continue
		}
		blocked[entry.Stream] = true
	}

	log.Debug().
		Str("owner", r.owner).
		Int("claimed", result.Claimed).
		Int("acknowledged", result.Acknowledged).
		Int("failed", result.Failed).
		Int("released", result.Released).
		Int("ambiguous", result.Ambiguous).
		Msg("Outbox batch processed")

	return result, ctx.Err()
}

// publish delivers one entry and records the outcome. It reports whether the
// entry was acknowledged.
func (r *Relay) publish(ctx context.Context, entry Entry, result *PublishResult) bool {
	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	err := r.broker.Publish(publishCtx, entry)
	cancel()

	// Bookkeeping must survive cancellation of the pass.
	storeCtx := context.WithoutCancel(ctx)
	logger := log.With().
		Str("entry_id", entry.ID.String()).
		Str("stream", entry.Stream.String()).
		Str("routing_key", entry.RoutingKey).
		Int("attempts", entry.Attempts).
		Logger()

	if err == nil {
		if ackErr := r.store.Acknowledge(storeCtx, entry.ID, r.owner, r.clock.Now()); ackErr != nil {
			logger.Warn().Err(ackErr).Msg("Published outbox entry could not be acknowledged")
			result.Ambiguous++
			return false
		}
		result.Acknowledged++
		return true
	}

	switch OutcomeOf(err) {
	case OutcomeRejected:
		logger.Error().Err(err).Msg("Outbox entry rejected by broker")
		if markErr := r.store.MarkFailed(storeCtx, entry.ID, r.owner, err.Error(), r.clock.Now()); markErr != nil {
			logger.Warn().Err(markErr).Msg("Failed to mark outbox entry as failed")
		}
		result.Failed++
	case OutcomeUndelivered:
		logger.Warn().Err(err).Msg("Outbox entry not delivered, releasing")
		if relErr := r.store.Release(storeCtx, entry.ID, r.owner); relErr != nil {
			logger.Warn().Err(relErr).Msg("Failed to release outbox entry")
		}
		result.Released++
	default:
		logger.Warn().Err(err).Msg("Outbox publish outcome unknown, leaving entry locked until the lease expires")
		result.Ambiguous++
	}
	return false
}

// ReclaimStale unlocks entries whose lease expired
func (r *Relay) ReclaimStale(ctx context.Context) (int64, error) {
	n, err := r.store.ReclaimExpired(ctx, r.clock.Now().Add(-r.cfg.Lease))
	if err != nil {
		return 0, errors.Wrap(err, "failed to reclaim stale outbox entries")
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("Reclaimed stale outbox entries")
	}
	return n, nil
}

// CollectGarbage purges acknowledged and failed entries past retention
func (r *Relay) CollectGarbage(ctx context.Context) (GCResult, error) {
	now := r.clock.Now()
	var result GCResult

	acked, err := r.store.PurgeAcknowledged(ctx, now.Add(-r.cfg.AckRetention))
	if err != nil {
		return result, errors.Wrap(err, "failed to purge acknowledged outbox entries")
	}
	result.Acknowledged = acked

	failed, err := r.store.PurgeFailed(ctx, now.Add(-r.cfg.FailedRetention))
	if err != nil {
		return result, errors.Wrap(err, "failed to purge failed outbox entries")
	}
	result.Failed = failed

	if acked > 0 || failed > 0 {
		log.Info().Int64("acknowledged", acked).Int64("failed", failed).Msg("Purged outbox entries")
	}
	return result, nil
}
