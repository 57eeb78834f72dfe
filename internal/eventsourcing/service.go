package eventsourcing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/backstage/eventcore/internal/clock"
	"example.com/backstage/eventcore/internal/domain"
	"example.com/backstage/eventcore/internal/eventstore"
	"example.com/backstage/eventcore/internal/outbox"
)

const (
	DefaultSnapshotAfter = 100
	DefaultTarget        = "domain-events"
)

type config struct {
	router          Router
	clock           clock.Clock
	snapshotAfter   int
	conflictBackOff func() backoff.BackOff
}

// Option configures a Service
type Option func(*config)

// WithRouter replaces the default TopicRouter
func WithRouter(r Router) Option {
	return func(c *config) {
		c.router = r
	}
}

// WithClock sets the source of OccurredAt and outbox timestamps
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// WithSnapshotAfter sets the snapshot frequency for aggregates that do not
// implement Snapshotting. A value <= 0 disables snapshots.
func WithSnapshotAfter(n int) Option {
	return func(c *config) {
		c.snapshotAfter = n
	}
}

// WithConflictBackOff sets the retry policy of DispatchCommandToLatest
func WithConflictBackOff(fn func() backoff.BackOff) Option {
	return func(c *config) {
		c.conflictBackOff = fn
	}
}

// Service loads aggregates of one type and dispatches commands to them
// under optimistic concurrency.
type Service[S any] struct {
	aggregate Aggregate[S]
	store     eventstore.Store
	registry  *Registry
	cfg       config
	tracer    trace.Tracer
}

// NewService creates a service for aggregate backed by store. Every event
// the aggregate emits must be registered in registry.
func NewService[S any](aggregate Aggregate[S], store eventstore.Store, registry *Registry, opts ...Option) *Service[S] {
	cfg := config{
		router:        TopicRouter(DefaultTarget),
		clock:         clock.RealClock{},
		snapshotAfter: DefaultSnapshotAfter,
		conflictBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(b, 5)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service[S]{
		aggregate: aggregate,
		store:     store,
		registry:  registry,
		cfg:       cfg,
		tracer:    otel.Tracer("example.com/backstage/eventcore/internal/eventsourcing"),
	}
}

// Type returns the aggregate type served
func (s *Service[S]) Type() domain.AggregateType {
	return s.aggregate.Type()
}

type loadOptions struct {
	version         *domain.Version
	ignoreSnapshots bool
}

// LoadOption configures Get and Load
type LoadOption func(*loadOptions)

// AtVersion folds records up to and including v
func AtVersion(v domain.Version) LoadOption {
	return func(o *loadOptions) {
		o.version = &v
	}
}

// IgnoreSnapshots replays every event from the start of the stream. A
// snapshot that is the first record of the stream is still used.
func IgnoreSnapshots() LoadOption {
	return func(o *loadOptions) {
		o.ignoreSnapshots = true
	}
}

// Get returns the current state of an aggregate. ok is false when the
// aggregate was never created or is deleted.
func (s *Service[S]) Get(ctx context.Context, id domain.AggregateID, opts ...LoadOption) (S, bool, error) {
	var zero S
	c, err := s.Load(ctx, id, opts...)
	if err != nil {
		return zero, false, err
	}
	if c.folded == 0 || s.aggregate.Deleted(c.State) {
		return zero, false, nil
	}
	return c.State, true, nil
}

// Load returns the folded aggregate together with its stream bookkeeping
func (s *Service[S]) Load(ctx context.Context, id domain.AggregateID, opts ...LoadOption) (*AggregateContainer[S], error) {
	stream, err := domain.NewStreamKey(s.aggregate.Type(), id)
	if err != nil {
		return nil, err
	}
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	return s.load(ctx, stream, o)
}

func (s *Service[S]) load(ctx context.Context, stream domain.StreamKey, o loadOptions) (*AggregateContainer[S], error) {
	c := &AggregateContainer[S]{Stream: stream, State: s.aggregate.Initial(stream.ID)}
	target := domain.MaxVersion
	if o.version != nil {
		target = *o.version
	}

	from := domain.Zero()
	if !o.ignoreSnapshots {
		snap, err := s.store.LatestSnapshot(ctx, stream, target)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load snapshot of %s", stream)
		}
		if snap != nil {
			if err := s.fold(c, *snap, false); err != nil {
				return nil, err
			}
			from = snap.Version().Next()
		}
	}

	it, err := s.store.Load(ctx, stream, from)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", stream)
	}
	defer it.Close()

	for it.Next(ctx) {
		rec := it.Record()
		if rec.Version() > target {
			break
		}
		if err := s.fold(c, *rec, o.ignoreSnapshots); err != nil {
			return nil, err
		}
	}
	if err := it.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", stream)
	}
	return c, nil
}

// fold applies one record. A snapshot replaces the state as a baseline;
// when snapshots are ignored only a stream-opening baseline is used.
func (s *Service[S]) fold(c *AggregateContainer[S], rec domain.Record, ignoreSnapshots bool) error {
	if rec.IsSnapshot() {
		if ignoreSnapshots && c.Exists() {
			c.observe(rec)
			return nil
		}
		state, err := s.decodeState(c.Stream.ID, rec.Payload)
		if err != nil {
			return errors.Wrapf(err, "failed to decode snapshot %d of %s", rec.Version(), c.Stream)
		}
		c.State = state
		c.observe(rec)
		c.folded++
		return nil
	}

	ev, err := s.registry.Decode(rec.Metadata.EventName, rec.SchemaVersion, rec.Payload)
	if err != nil {
		return errors.Wrapf(err, "failed to decode event %d of %s", rec.Version(), c.Stream)
	}
	state, err := s.aggregate.Evolve(c.State, ev, rec.Metadata)
	if err != nil {
		return errors.Wrapf(err, "failed to apply event %d of %s", rec.Version(), c.Stream)
	}
	c.State = state
	c.observe(rec)
	c.folded++
	return nil
}

func (s *Service[S]) decodeState(id domain.AggregateID, payload json.RawMessage) (S, error) {
	state := s.aggregate.Initial(id)
	if err := json.Unmarshal(payload, &state); err != nil {
		return state, err
	}
	return state, nil
}

// DispatchCommand applies cmd to an aggregate whose last record the caller
// saw at expected. It returns the version of the last record written.
func (s *Service[S]) DispatchCommand(ctx context.Context, id domain.AggregateID, expected domain.Version, agent domain.Agent, cmd Command) (domain.Version, error) {
	ctx, span := s.startSpan(ctx, "eventsourcing.dispatch", id, cmd.CommandName())
	defer span.End()

	stream, err := domain.NewStreamKey(s.aggregate.Type(), id)
	if err != nil {
		return 0, endSpan(span, err)
	}
	c, err := s.load(ctx, stream, loadOptions{})
	if err != nil {
		return 0, endSpan(span, err)
	}
	if current, ok := c.Version(); !ok || current != expected {
		return 0, endSpan(span, domain.NewVersionConflict(stream, expected, c.versionPtr()))
	}

	v, err := s.dispatch(ctx, c, agent, cmd)
	return v, endSpan(span, err)
}

// DispatchCommandToLatest applies cmd to the newest state, retrying on
// version conflicts. An empty id creates a new aggregate id. The command is
// re-decided after a conflict, so the store must not report a conflict for a
// batch it already committed; eventstore.Retrying guarantees that.
func (s *Service[S]) DispatchCommandToLatest(ctx context.Context, id domain.AggregateID, agent domain.Agent, cmd Command) (domain.AggregateID, domain.Version, error) {
	if id == "" {
		id = domain.GenerateAggregateID()
	}
	ctx, span := s.startSpan(ctx, "eventsourcing.dispatch_latest", id, cmd.CommandName())
	defer span.End()

	stream, err := domain.NewStreamKey(s.aggregate.Type(), id)
	if err != nil {
		return id, 0, endSpan(span, err)
	}

	var version domain.Version
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		c, err := s.load(ctx, stream, loadOptions{})
		if err != nil {
			return backoff.Permanent(err)
		}
		v, err := s.dispatch(ctx, c, agent, cmd)
		if err != nil {
			if domain.IsVersionConflict(err) {
				log.Debug().Str("stream", stream.String()).Int("attempt", attempt).Msg("Version conflict, retrying command")
				return err
			}
			return backoff.Permanent(err)
		}
		version = v
		return nil
	}, backoff.WithContext(s.cfg.conflictBackOff(), ctx))
	if err != nil {
		return id, 0, endSpan(span, err)
	}
	return id, version, nil
}

func (s *Service[S]) dispatch(ctx context.Context, c *AggregateContainer[S], agent domain.Agent, cmd Command) (domain.Version, error) {
	stream := c.Stream
	reject := func(err error) error {
		return &domain.CommandRejectedError{Stream: stream, Command: cmd.CommandName(), Err: err}
	}

	if !c.Exists() {
		if _, ok := cmd.(CreationCommand); !ok {
			return 0, reject(domain.ErrAggregateNotFound)
		}
	} else if s.aggregate.Deleted(c.State) {
		return 0, reject(domain.ErrAggregateDeleted)
	}

	events, err := s.aggregate.Decide(c.State, cmd, agent)
	if err != nil {
		return 0, reject(err)
	}
	current, exists := c.Version()
	if len(events) == 0 {
		return current, nil
	}

	next := domain.Zero()
	if exists {
		next = current.Next()
	}
	now := s.cfg.clock.Now()
	state := c.State
	records := make([]domain.Record, 0, len(events)+1)
	for _, ev := range events {
		name, schemaVersion, payload, err := s.registry.Encode(ev)
		if err != nil {
			return 0, err
		}
		// Evolve the decoded copy so live state matches replayed state.
		decoded, err := s.registry.Decode(name, schemaVersion, payload)
		if err != nil {
			return 0, err
		}
		meta := domain.EventMetadata{
			AggregateType:    stream.Type,
			AggregateID:      stream.ID,
			AggregateVersion: next,
			EventName:        name,
			Agent:            agent,
			OccurredAt:       now,
		}
		state, err = s.aggregate.Evolve(state, decoded, meta)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to apply %s to %s", name, stream)
		}
		records = append(records, domain.Record{
			EventID:       uuid.New(),
			Metadata:      meta,
			SchemaVersion: schemaVersion,
			Payload:       payload,
		})
		next++
	}

	if s.shouldSnapshot(c, records[len(records)-1].Version()) {
		snap, err := s.baseline(stream, state, next, SnapshotEventName, agent, now)
		if err != nil {
			return 0, err
		}
		records = append(records, snap)
	}

	entries, err := s.route(stream, records, now)
	if err != nil {
		return 0, err
	}
	err = s.store.Append(ctx, eventstore.Batch{
		Stream:   stream,
		Expected: c.versionPtr(),
		Records:  records,
		Outbox:   entries,
	})
	if err != nil {
		return 0, err
	}

	last := records[len(records)-1]
	if last.IsSnapshot() {
		log.Debug().Str("stream", stream.String()).Uint64("version", last.Version().Value()).Msg("Snapshot written")
	}
	return last.Version(), nil
}

// CollapseEvents replaces the history of a deleted aggregate with a single
// anonymized baseline written after version.
func (s *Service[S]) CollapseEvents(ctx context.Context, id domain.AggregateID, version domain.Version, agent domain.Agent) (domain.Version, error) {
	ctx, span := s.startSpan(ctx, "eventsourcing.collapse", id, "collapse")
	defer span.End()

	stream, err := domain.NewStreamKey(s.aggregate.Type(), id)
	if err != nil {
		return 0, endSpan(span, err)
	}
	c, err := s.load(ctx, stream, loadOptions{})
	if err != nil {
		return 0, endSpan(span, err)
	}
	current, ok := c.Version()
	if !ok {
		return 0, endSpan(span, &domain.CommandRejectedError{Stream: stream, Command: "collapse", Err: domain.ErrAggregateNotFound})
	}
	if current != version {
		return 0, endSpan(span, domain.NewVersionConflict(stream, version, &current))
	}

	state := c.State
	if anonymizer, ok := s.aggregate.(Anonymizer[S]); ok {
		state = anonymizer.Anonymize(state)
	}
	now := s.cfg.clock.Now()
	baseline, err := s.baseline(stream, state, current.Next(), CollapsedEventName, agent, now)
	if err != nil {
		return 0, endSpan(span, err)
	}
	entries, err := s.route(stream, []domain.Record{baseline}, now)
	if err != nil {
		return 0, endSpan(span, err)
	}

	err = s.store.Collapse(ctx, eventstore.Collapse{
		Stream:   stream,
		Expected: current,
		Baseline: baseline,
		Outbox:   entries,
	})
	if err != nil {
		return 0, endSpan(span, err)
	}
	return baseline.Version(), nil
}

func (s *Service[S]) snapshotAfter() int {
	if sn, ok := s.aggregate.(Snapshotting); ok {
		return sn.SnapshotAfter()
	}
	return s.cfg.snapshotAfter
}

// shouldSnapshot applies the compaction rule to the last event written:
// snapshot once lastEvent - lastSnapshot + 1 reaches the frequency.
func (s *Service[S]) shouldSnapshot(c *AggregateContainer[S], lastEvent domain.Version) bool {
	count := s.snapshotAfter()
	if count <= 0 {
		return false
	}
	base, _ := c.LastSnapshotVersion()
	return int64(lastEvent)-int64(base)+1 >= int64(count)
}

func (s *Service[S]) baseline(stream domain.StreamKey, state S, v domain.Version, name string, agent domain.Agent, now time.Time) (domain.Record, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return domain.Record{}, errors.Wrapf(err, "failed to encode state of %s", stream)
	}
	return domain.Record{
		EventID: uuid.New(),
		Metadata: domain.EventMetadata{
			AggregateType:    stream.Type,
			AggregateID:      stream.ID,
			AggregateVersion: v,
			EventName:        name,
			Agent:            agent,
			OccurredAt:       now,
		},
		SchemaVersion: 1,
		Payload:       payload,
		Snapshot:      true,
	}, nil
}

func (s *Service[S]) route(stream domain.StreamKey, records []domain.Record, now time.Time) ([]outbox.Entry, error) {
	if s.cfg.router == nil {
		return nil, nil
	}
	var entries []outbox.Entry
	for _, rec := range records {
		msgs, err := s.cfg.router.Route(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to route %s of %s", rec.Metadata.EventName, stream)
		}
		for _, msg := range msgs {
			entries = append(entries, outbox.NewEntry(stream, msg, now))
		}
	}
	return entries, nil
}

func (s *Service[S]) startSpan(ctx context.Context, name string, id domain.AggregateID, command string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("aggregate.type", string(s.aggregate.Type())),
		attribute.String("aggregate.id", string(id)),
		attribute.String("command", command),
	))
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
