package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/eventcore/config"
)

func TestDisabledTracerRunsJobsUntraced(t *testing.T) {
	tracer, err := NewTracer(config.TracingConfig{Enabled: true})
	require.NoError(t, err)
	assert.False(t, tracer.Enabled())

	boom := errors.New("boom")
	calls := 0
	job := tracer.WrapJob("outbox-publish", func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.Equal(t, boom, job(context.Background()))
	assert.Equal(t, 1, calls)

	tracer.Shutdown(time.Second)
}

func TestNilTracerIsSafe(t *testing.T) {
	var tracer *Tracer
	assert.False(t, tracer.Enabled())
	job := tracer.WrapJob("outbox-gc", func(context.Context) error { return nil })
	assert.NoError(t, job(context.Background()))
	tracer.Shutdown(time.Second)
}
