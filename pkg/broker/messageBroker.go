package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-webhooks/pkg/telemetry"
	"github.com/zoff-tech/go-webhooks/schema"
)

// MutationHandler receives one decoded committed mutation. Returning an error
// asks the broker to redeliver the message.
type MutationHandler func(ctx context.Context, msg schema.MutationMessage) error

// MutationConsumer defines the operations to receive committed mutations from a broker.
type MutationConsumer interface {
	// Consume blocks, passing every message to handle, until ctx is cancelled or Close is called.
	Consume(ctx context.Context, handle MutationHandler) error
	// Close cleans up any resources (connections).
	Close() error
}

// startConsumeSpan continues the producer's trace from the message headers
// and opens a consumer span for one message.
func startConsumeSpan(ctx context.Context, system, destination string, headers map[string]string, size int) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
	return otel.Tracer(telemetry.TracerName).Start(ctx, "ConsumeMutation",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String(system),
			semconv.MessagingDestinationKey.String(destination),
			semconv.MessagingOperationReceive,
			attribute.Int("messaging.message_payload_size_bytes", size),
		),
	)
}
