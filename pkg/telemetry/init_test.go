package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-webhooks/pkg/config"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	shutdown, err := Init(context.Background(), config.Observability{
		ServiceName:     "test-service",
		TracingEndpoint: "localhost:4318",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")

	_, span := otel.Tracer(TracerName).Start(context.Background(), "test")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	// nothing listens on the endpoint; shutdown must still return within the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestInit_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Observability
		err  string
	}{
		{name: "empty tracing endpoint", cfg: config.Observability{ServiceName: "test-service"}, err: "tracing endpoint cannot be empty"},
		{name: "empty service name", cfg: config.Observability{TracingEndpoint: "localhost:4318"}, err: "service name cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Init(context.Background(), tt.cfg)
			assert.EqualError(t, err, tt.err)
			assert.Nil(t, shutdown)
		})
	}
}
