package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"github.com/zoff-tech/go-webhooks/pkg/metrics"
	"github.com/zoff-tech/go-webhooks/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	HeaderSignature  = "X-OpenFront-Webhook-Signature"
	HeaderTopic      = "X-OpenFront-Topic"
	HeaderListKey    = "X-OpenFront-ListKey"
	HeaderOperation  = "X-OpenFront-Operation"
	HeaderDeliveryID = "X-OpenFront-Delivery-ID"
)

const tracerName = "go-webhooks"

// Store is the persistence the delivery engine needs.
type Store interface {
	store.EndpointRepository
	store.EventRepository
}

type DeliveryConfig struct {
	// Timeout bounds each outbound request.
	Timeout time.Duration
	// BaseDelay and MaxDelay shape the retry schedule: 2^attempt * BaseDelay, capped.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts stops scheduling retries once reached. Zero means unlimited.
	MaxAttempts      int
	MaxResponseBytes int64
	// RateLimit is the outbound requests per second across all endpoints. Zero disables it.
	RateLimit float64
	RateBurst int
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Minute
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 24 * time.Hour
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 64 << 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// DeliveryResult is the outcome of one attempt.
type DeliveryResult struct {
	EventID     string
	Delivered   bool
	Status      int
	NextAttempt *time.Time
	Err         error
}

// Deliverer posts signed payloads and keeps the audit rows and endpoint
// counters up to date. Tracking failures are logged, never returned.
type Deliverer struct {
	store   Store
	cfg     DeliveryConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  logging.Logger
	now     func() time.Time
	newID   func() string
}

func NewDeliverer(st Store, cfg DeliveryConfig, logger logging.Logger) *Deliverer {
	cfg = cfg.withDefaults()
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return &Deliverer{
		store:   st,
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		logger:  glog.Ensure(logger),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// delivery is what an attempt needs, whether it comes from a fresh payload or
// a stored row.
type delivery struct {
	event     *store.WebhookEvent
	listKey   string
	operation Operation
}

// Deliver records a new delivery row for endpoint and makes the first attempt.
func (d *Deliverer) Deliver(ctx context.Context, payload *FormattedPayload, endpoint store.WebhookEndpoint) DeliveryResult {
	now := d.now().UTC()
	event := &store.WebhookEvent{
		ID:               d.newID(),
		EventType:        payload.EventType,
		ResourceType:     payload.ResourceType,
		ResourceID:       payload.ResourceID,
		Payload:          payload.Body,
		EndpointID:       endpoint.ID,
		DeliveryAttempts: 1,
		NextAttempt:      &now,
		CreatedAt:        now,
	}
	if err := d.store.CreateEvent(ctx, event); err != nil {
		d.logger.WithContext(ctx).Error("failed to record webhook event",
			"event_id", event.ID, "endpoint_id", endpoint.ID, "error", err)
	}

	return d.attempt(ctx, delivery{event: event, listKey: payload.ListKey, operation: payload.Operation}, endpoint)
}

// Redeliver sends a stored row again, updating the same row.
func (d *Deliverer) Redeliver(ctx context.Context, event store.WebhookEvent, endpoint store.WebhookEndpoint) DeliveryResult {
	event.DeliveryAttempts++
	return d.attempt(ctx, delivery{
		event:     &event,
		listKey:   event.ResourceType,
		operation: operationOf(event.EventType),
	}, endpoint)
}

func (d *Deliverer) attempt(ctx context.Context, dl delivery, endpoint store.WebhookEndpoint) DeliveryResult {
	event := dl.event
	ctx, span := otel.Tracer(tracerName).Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", event.EventType),
		attribute.String("webhook.endpoint_id", endpoint.ID),
		attribute.Int("webhook.attempt", event.DeliveryAttempts),
	))
	defer span.End()
	logger := d.logger.WithContext(ctx)

	start := time.Now()
	status, body, err := d.post(ctx, dl, endpoint)
	elapsed := time.Since(start)
	finished := d.now().UTC()

	statusLabel := metrics.StatusLabel(status)
	metrics.WebhookDeliveries.WithLabelValues(event.EventType, statusLabel).Inc()
	metrics.WebhookLatency.WithLabelValues(event.EventType, statusLabel).Observe(float64(elapsed.Milliseconds()))
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	result := DeliveryResult{EventID: event.ID, Status: status, Err: err}
	outcome := store.DeliveryOutcome{
		ResponseStatus:   status,
		ResponseBody:     body,
		DeliveryAttempts: event.DeliveryAttempts,
		LastAttempt:      finished,
	}

	if err == nil && status >= 200 && status < 300 {
		outcome.Delivered = true
		result.Delivered = true
		if err := d.store.RecordOutcome(ctx, event.ID, outcome); err != nil {
			logger.Error("failed to record webhook outcome", "event_id", event.ID, "error", err)
		}
		if err := d.store.MarkTriggered(ctx, endpoint.ID, finished, endpoint.FailureCount > 0); err != nil {
			logger.Error("failed to update webhook endpoint", "endpoint_id", endpoint.ID, "error", err)
		}
		logger.Debug("webhook delivered", "event_id", event.ID, "endpoint_id", endpoint.ID, "status", status)
		return result
	}

	if err != nil {
		outcome.ResponseBody = storableText([]byte(err.Error()))
		span.RecordError(err)
	} else {
		result.Err = fmt.Errorf("endpoint responded with status %d", status)
	}
	span.SetStatus(codes.Error, "webhook delivery failed")

	if d.cfg.MaxAttempts <= 0 || event.DeliveryAttempts < d.cfg.MaxAttempts {
		next := finished.Add(d.backoff(event.DeliveryAttempts))
		outcome.NextAttempt = &next
		result.NextAttempt = &next
	}
	if err := d.store.RecordOutcome(ctx, event.ID, outcome); err != nil {
		logger.Error("failed to record webhook outcome", "event_id", event.ID, "error", err)
	}
	if err := d.store.IncrementFailureCount(ctx, endpoint.ID); err != nil {
		logger.Error("failed to update webhook endpoint", "endpoint_id", endpoint.ID, "error", err)
	}
	logger.Warn("webhook delivery failed",
		"event_id", event.ID, "endpoint_id", endpoint.ID, "status", status, "attempt", event.DeliveryAttempts, "error", result.Err)
	return result
}

// post sends the request and returns the status (0 when no response arrived)
// and the response body truncated to MaxResponseBytes and made storable.
func (d *Deliverer) post(ctx context.Context, dl delivery, endpoint store.WebhookEndpoint) (int, string, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, "", fmt.Errorf("rate limit: %w", err)
		}
	}

	event := dl.event
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(event.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, SignatureHeader(event.Payload, endpoint.Secret))
	req.Header.Set(HeaderTopic, event.EventType)
	req.Header.Set(HeaderListKey, dl.listKey)
	req.Header.Set(HeaderOperation, string(dl.operation))
	req.Header.Set(HeaderDeliveryID, event.ID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseBytes))
	if err != nil {
		d.logger.WithContext(ctx).Warn("failed to read webhook response", "event_id", event.ID, "error", err)
	}
	return resp.StatusCode, storableText(body), nil
}

// storableText returns b as text a TEXT or STRING column accepts: a rune cut
// by truncation is dropped, other invalid UTF-8 becomes U+FFFD and NUL bytes
// are removed.
func storableText(b []byte) string {
	if r, size := utf8.DecodeLastRune(b); r == utf8.RuneError && size <= 1 {
		for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
			if utf8.RuneStart(b[len(b)-i]) {
				if !utf8.FullRune(b[len(b)-i:]) {
					b = b[:len(b)-i]
				}
				break
			}
		}
	}
	b = bytes.ToValidUTF8(b, []byte("\uFFFD"))
	return string(bytes.ReplaceAll(b, []byte{0}, nil))
}

// backoff is 2^attempt * BaseDelay capped at MaxDelay, so the first retry
// after attempt 1 waits two base delays.
func (d *Deliverer) backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return d.cfg.MaxDelay
	}
	delay := d.cfg.BaseDelay * time.Duration(1<<attempt)
	if delay <= 0 || delay > d.cfg.MaxDelay {
		return d.cfg.MaxDelay
	}
	return delay
}
