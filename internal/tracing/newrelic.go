package tracing

import (
	"context"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/eventcore/config"
)

// Tracer reports background jobs to New Relic. A nil or disabled Tracer
// runs jobs untraced.
type Tracer struct {
	app *newrelic.Application
}

// NewTracer creates a new tracer
func NewTracer(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return &Tracer{}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}
	return &Tracer{app: app}, nil
}

// Enabled reports whether jobs are traced
func (t *Tracer) Enabled() bool {
	return t != nil && t.app != nil
}

// WrapJob runs job inside a background transaction named after the job.
// Its signature matches outbox.JobWrapper.
func (t *Tracer) WrapJob(name string, job func(ctx context.Context) error) func(ctx context.Context) error {
	if !t.Enabled() {
		return job
	}
	return func(ctx context.Context) error {
		txn := t.app.StartTransaction(name)
		defer txn.End()
		txn.AddAttribute("job", name)

		err := job(newrelic.NewContext(ctx, txn))
		if err != nil {
			txn.NoticeError(err)
		}
		return err
	}
}

// Shutdown flushes pending data
func (t *Tracer) Shutdown(timeout time.Duration) {
	if !t.Enabled() {
		return
	}
	t.app.Shutdown(timeout)
	log.Info().Msg("New Relic tracer shutdown")
}
