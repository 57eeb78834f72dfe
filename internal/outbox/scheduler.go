package outbox

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ScheduleConfig sets how often each relay job runs
type ScheduleConfig struct {
	PublishInterval time.Duration // default: 1s
	ReclaimInterval time.Duration // default: 30s
	GCInterval      time.Duration // default: 1h
}

// JobWrapper decorates a scheduled job, e.g. to run it inside a trace
type JobWrapper func(name string, job func(ctx context.Context) error) func(ctx context.Context) error

// Job names
const (
	JobPublish = "outbox-publish"
	JobReclaim = "outbox-reclaim"
	JobGC      = "outbox-gc"
)

// Scheduler runs the relay's publish, reclaim and gc passes on gocron
// duration jobs. Each job runs in singleton mode so passes never overlap.
type Scheduler struct {
	relay *Relay
	cfg   ScheduleConfig
	wrap  JobWrapper
}

// NewScheduler creates a scheduler for relay
func NewScheduler(relay *Relay, cfg ScheduleConfig, wrap JobWrapper) *Scheduler {
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = time.Hour
	}
	if wrap == nil {
		wrap = func(_ string, job func(ctx context.Context) error) func(ctx context.Context) error {
			return job
		}
	}
	return &Scheduler{relay: relay, cfg: cfg, wrap: wrap}
}

// Run starts the jobs and blocks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context) error
	}{
		{JobPublish, s.cfg.PublishInterval, func(ctx context.Context) error {
			_, err := s.relay.PublishPending(ctx)
			return err
		}},
		{JobReclaim, s.cfg.ReclaimInterval, func(ctx context.Context) error {
			_, err := s.relay.ReclaimStale(ctx)
			return err
		}},
		{JobGC, s.cfg.GCInterval, func(ctx context.Context) error {
			_, err := s.relay.CollectGarbage(ctx)
			return err
		}},
	}

	for _, job := range jobs {
		name := job.name
		run := s.wrap(name, job.run)
		_, err := scheduler.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() {
				if err := run(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Str("job", name).Msg("Outbox job failed")
				}
			}),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			_ = scheduler.Shutdown()
			return errors.Wrapf(err, "failed to schedule %s", name)
		}
	}

	log.Info().
		Str("owner", s.relay.Owner()).
		Dur("publish_interval", s.cfg.PublishInterval).
		Dur("reclaim_interval", s.cfg.ReclaimInterval).
		Dur("gc_interval", s.cfg.GCInterval).
		Msg("Starting outbox scheduler")

	scheduler.Start()
	<-ctx.Done()

	log.Info().Msg("Stopping outbox scheduler")
	return scheduler.Shutdown()
}
