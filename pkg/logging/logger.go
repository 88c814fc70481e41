// Package logging builds the sidecar's go-logger instance. The contract is the
// glog.Logger interface so hosts embedding the webhook library can hand in
// their own implementation.
package logging

import (
	"context"
	"log/slog"
	"os"

	glog "github.com/goliatone/go-logger/glog"
	"go.opentelemetry.io/otel/trace"
)

type Logger = glog.Logger

// New returns a console logger on stderr named name, filtered at level
// (trace, debug, info, warn, error). Records logged through WithContext carry
// the trace and span ids of the active span. opts override the defaults.
func New(name, level string, opts ...glog.Option) *glog.BaseLogger {
	options := []glog.Option{
		glog.WithName(name),
		glog.WithLevel(level),
		glog.WithLoggerTypeConsole(),
		glog.WithWriter(os.Stderr),
		glog.WithHandlerWrapper(NewTraceHandler),
	}
	return glog.NewLogger(append(options, opts...)...)
}

// traceHandler adds trace_id and span_id from the record's context.
type traceHandler struct {
	slog.Handler
}

func NewTraceHandler(next slog.Handler) slog.Handler {
	return traceHandler{Handler: next}
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{Handler: h.Handler.WithGroup(name)}
}
