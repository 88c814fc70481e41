package processor

import (
	"context"
	"errors"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-webhooks/pkg/config"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"github.com/zoff-tech/go-webhooks/pkg/metrics"
	"github.com/zoff-tech/go-webhooks/pkg/store"
	"github.com/zoff-tech/go-webhooks/pkg/telemetry"
	"github.com/zoff-tech/go-webhooks/pkg/webhook"
)

// Redeliverer re-sends a stored webhook event.
type Redeliverer interface {
	Redeliver(ctx context.Context, event store.WebhookEvent, endpoint store.WebhookEndpoint) webhook.DeliveryResult
}

// RetryProcessor re-drives failed deliveries whose next attempt is due.
type RetryProcessor struct {
	repo         webhook.Store
	deliverer    Redeliverer
	tracer       trace.Tracer
	logger       logging.Logger
	maxAttempts  int
	batchSize    int
	pollInterval time.Duration
	lease        time.Duration
	now          func() time.Time
}

// NewRetryProcessor creates a new instance of RetryProcessor.
func NewRetryProcessor(repo webhook.Store, deliverer Redeliverer, cfg config.RetrySettings, logger logging.Logger) *RetryProcessor {
	return &RetryProcessor{
		repo:         repo,
		deliverer:    deliverer,
		tracer:       otel.Tracer(telemetry.TracerName),
		logger:       glog.Ensure(logger),
		maxAttempts:  cfg.MaxAttempts,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		lease:        store.LockExpiration,
		now:          time.Now,
	}
}

// ProcessEvents polls until ctx is cancelled.
func (p *RetryProcessor) ProcessEvents(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("failed to claim due webhook events", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due events and redelivers them. It returns the
// number of events claimed.
func (p *RetryProcessor) RunOnce(ctx context.Context) (int, error) {
	now := p.now().UTC()
	events, err := p.repo.ClaimDue(ctx, now, p.maxAttempts, p.batchSize, now.Add(p.lease))
	if err != nil {
		return 0, err
	}
	metrics.RetryClaims.Add(float64(len(events)))

	for _, event := range events {
		p.redeliver(ctx, event)
	}
	return len(events), nil
}

func (p *RetryProcessor) redeliver(ctx context.Context, event store.WebhookEvent) {
	ctx, span := p.tracer.Start(ctx, "RedeliverWebhookEvent", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.EventType),
		attribute.String("event.endpoint_id", event.EndpointID),
		attribute.Int("event.delivery_attempts", event.DeliveryAttempts),
		attribute.String("event.created_at", event.CreatedAt.String()),
	))
	defer span.End()
	logger := p.logger.WithContext(ctx)

	endpoint, err := p.repo.GetEndpoint(ctx, event.EndpointID)
	switch {
	case errors.Is(err, store.ErrNotFound) || (err == nil && !endpoint.IsActive):
		// Nobody to deliver to any more; stop scheduling the row
		logger.Info("abandoning webhook event for unavailable endpoint", "event_id", event.ID, "endpoint_id", event.EndpointID)
		p.abandon(ctx, event)
		return
	case err != nil:
		// The lease expires and the row is claimed again later
		logger.Error("failed to load webhook endpoint", "event_id", event.ID, "endpoint_id", event.EndpointID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	result := p.deliverer.Redeliver(ctx, event, *endpoint)
	if !result.Delivered {
		span.SetStatus(codes.Error, "redelivery failed")
	}
}

func (p *RetryProcessor) abandon(ctx context.Context, event store.WebhookEvent) {
	last := p.now().UTC()
	if event.LastAttempt != nil {
		last = *event.LastAttempt
	}
	outcome := store.DeliveryOutcome{
		ResponseStatus:   event.ResponseStatus,
		ResponseBody:     event.ResponseBody,
		DeliveryAttempts: event.DeliveryAttempts,
		LastAttempt:      last,
	}
	if err := p.repo.RecordOutcome(ctx, event.ID, outcome); err != nil {
		p.logger.Error("failed to abandon webhook event", "event_id", event.ID, "error", err)
	}
}
