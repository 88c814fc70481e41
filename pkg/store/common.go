package store

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LockExpiration is how long a claimed delivery row stays invisible to other sweepers.
const LockExpiration = 5 * time.Minute

const tracerName = "go-webhooks"

var ErrNotFound = errors.New("store: not found")

func addDBStatsToSpan(span trace.Span, system, statement string, rowsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rowsCount", rowsCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
