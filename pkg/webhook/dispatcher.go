package webhook

import (
	"context"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher processes one mutation event: it resolves subscribers, formats
// the payload once and delivers it to each of them.
type Dispatcher struct {
	resolver    *Resolver
	formatter   *Formatter
	deliverer   *Deliverer
	concurrency int
	logger      logging.Logger
}

func NewDispatcher(resolver *Resolver, formatter *Formatter, deliverer *Deliverer, concurrency int, logger logging.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		resolver:    resolver,
		formatter:   formatter,
		deliverer:   deliverer,
		concurrency: concurrency,
		logger:      glog.Ensure(logger),
	}
}

// Dispatch delivers ev to every subscriber. Subscriber lookup and delivery
// failures are logged and recorded, not returned; only an unserializable
// payload is reported to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, ev MutationEvent) error {
	eventType := ev.EventType()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "webhook.dispatch", trace.WithAttributes(
		attribute.String("webhook.event_type", eventType),
		attribute.String("webhook.list_key", ev.ListKey),
	))
	defer span.End()
	logger := d.logger.WithContext(ctx)

	endpoints, err := d.resolver.Resolve(ctx, eventType)
	if err != nil {
		span.RecordError(err)
		logger.Error("failed to resolve webhook subscribers", "event_type", eventType, "error", err)
		return nil
	}
	span.SetAttributes(attribute.Int("webhook.subscribers", len(endpoints)))
	if len(endpoints) == 0 {
		return nil
	}

	payload, err := d.formatter.Format(ev)
	if err != nil {
		span.RecordError(err)
		return err
	}

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("webhook delivery panicked", "endpoint_id", endpoint.ID, "panic", r)
				}
			}()
			d.deliverer.Deliver(ctx, payload, endpoint)
		}()
	}
	wg.Wait()

	logger.Debug("webhook event dispatched", "event_type", eventType, "subscribers", len(endpoints))
	return nil
}
