package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"
)

type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) FindActive(ctx context.Context) ([]WebhookEndpoint, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindActive")
	defer span.End()

	startTime := time.Now()
	stmt := spanner.Statement{
		SQL: `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE is_active = TRUE ORDER BY created_at`,
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var endpoints []WebhookEndpoint
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		endpoint, err := spannerEndpoint(row)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		endpoints = append(endpoints, *endpoint)
	}

	addDBStatsToSpan(span, "spanner", "FindActive", len(endpoints), time.Since(startTime))
	return endpoints, nil
}

func (s *SpannerRepository) GetEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return spannerEndpoint(row)
}

func (s *SpannerRepository) CreateEndpoint(ctx context.Context, endpoint *WebhookEndpoint) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("webhook_endpoints",
			[]string{"id", "url", "secret", "events", "is_active", "failure_count", "last_triggered", "created_at", "updated_at"},
			[]interface{}{endpoint.ID, endpoint.URL, endpoint.Secret, endpoint.Events, endpoint.IsActive,
				int64(endpoint.FailureCount), toNullTime(endpoint.LastTriggered), endpoint.CreatedAt, endpoint.UpdatedAt}),
	})
	return err
}

func (s *SpannerRepository) MarkTriggered(ctx context.Context, id string, at time.Time, resetFailures bool) error {
	sql := `UPDATE webhook_endpoints SET last_triggered = @at, updated_at = CURRENT_TIMESTAMP() WHERE id = @id`
	if resetFailures {
		sql = `UPDATE webhook_endpoints SET last_triggered = @at, failure_count = 0, updated_at = CURRENT_TIMESTAMP() WHERE id = @id`
	}
	return s.update(ctx, spanner.Statement{
		SQL:    sql,
		Params: map[string]interface{}{"at": at, "id": id},
	})
}

func (s *SpannerRepository) IncrementFailureCount(ctx context.Context, id string) error {
	return s.update(ctx, spanner.Statement{
		SQL:    `UPDATE webhook_endpoints SET failure_count = failure_count + 1, updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	})
}

func (s *SpannerRepository) CreateEvent(ctx context.Context, event *WebhookEvent) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("webhook_events",
			[]string{"id", "event_type", "resource_type", "resource_id", "payload", "endpoint_id", "delivered",
				"response_status", "response_body", "delivery_attempts", "last_attempt", "next_attempt", "created_at"},
			[]interface{}{event.ID, event.EventType, event.ResourceType, event.ResourceID, event.Payload, event.EndpointID,
				event.Delivered, int64(event.ResponseStatus), event.ResponseBody, int64(event.DeliveryAttempts),
				toNullTime(event.LastAttempt), toNullTime(event.NextAttempt), event.CreatedAt}),
	})
	return err
}

func (s *SpannerRepository) GetEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT ` + eventColumns + ` FROM webhook_events WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return spannerEvent(row)
}

func (s *SpannerRepository) RecordOutcome(ctx context.Context, id string, outcome DeliveryOutcome) error {
	return s.update(ctx, spanner.Statement{
		SQL: `UPDATE webhook_events SET delivered = @delivered, response_status = @status, response_body = @body,
              delivery_attempts = @attempts, last_attempt = @lastAttempt, next_attempt = @nextAttempt WHERE id = @id`,
		Params: map[string]interface{}{
			"delivered":   outcome.Delivered,
			"status":      int64(outcome.ResponseStatus),
			"body":        outcome.ResponseBody,
			"attempts":    int64(outcome.DeliveryAttempts),
			"lastAttempt": outcome.LastAttempt,
			"nextAttempt": toNullTime(outcome.NextAttempt),
			"id":          id,
		},
	})
}

func (s *SpannerRepository) ClaimDue(ctx context.Context, now time.Time, maxAttempts, limit int, leaseUntil time.Time) ([]WebhookEvent, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ClaimDue")
	defer span.End()

	startTime := time.Now()
	var events []WebhookEvent
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		// the transaction function may be retried on abort
		events = events[:0]
		iter := txn.Query(ctx, spanner.Statement{
			SQL: `SELECT ` + eventColumns + ` FROM webhook_events
                  WHERE delivered = FALSE AND next_attempt IS NOT NULL AND next_attempt <= @now AND delivery_attempts < @maxAttempts
                  ORDER BY next_attempt LIMIT @limit`,
			Params: map[string]interface{}{
				"now":         now,
				"maxAttempts": int64(maxAttempts),
				"limit":       int64(limit),
			},
		})
		err := iter.Do(func(row *spanner.Row) error {
			event, err := spannerEvent(row)
			if err != nil {
				return err
			}
			events = append(events, *event)
			return nil
		})
		if err != nil {
			return err
		}

		for i := range events {
			if _, err := txn.Update(ctx, spanner.Statement{
				SQL:    `UPDATE webhook_events SET next_attempt = @lease WHERE id = @id`,
				Params: map[string]interface{}{"lease": leaseUntil, "id": events[i].ID},
			}); err != nil {
				return err
			}
			lease := leaseUntil
			events[i].NextAttempt = &lease
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "spanner", "ClaimDue", len(events), time.Since(startTime))
	return events, nil
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

func (s *SpannerRepository) update(ctx context.Context, stmt spanner.Statement) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func spannerEndpoint(row *spanner.Row) (*WebhookEndpoint, error) {
	var (
		endpoint      WebhookEndpoint
		failureCount  int64
		lastTriggered spanner.NullTime
	)
	if err := row.Columns(
		&endpoint.ID,
		&endpoint.URL,
		&endpoint.Secret,
		&endpoint.Events,
		&endpoint.IsActive,
		&failureCount,
		&lastTriggered,
		&endpoint.CreatedAt,
		&endpoint.UpdatedAt); err != nil {
		return nil, err
	}
	endpoint.FailureCount = int(failureCount)
	endpoint.LastTriggered = fromNullTime(lastTriggered)
	return &endpoint, nil
}

func spannerEvent(row *spanner.Row) (*WebhookEvent, error) {
	var (
		event       WebhookEvent
		status      int64
		attempts    int64
		lastAttempt spanner.NullTime
		nextAttempt spanner.NullTime
	)
	if err := row.Columns(
		&event.ID,
		&event.EventType,
		&event.ResourceType,
		&event.ResourceID,
		&event.Payload,
		&event.EndpointID,
		&event.Delivered,
		&status,
		&event.ResponseBody,
		&attempts,
		&lastAttempt,
		&nextAttempt,
		&event.CreatedAt); err != nil {
		return nil, err
	}
	event.ResponseStatus = int(status)
	event.DeliveryAttempts = int(attempts)
	event.LastAttempt = fromNullTime(lastAttempt)
	event.NextAttempt = fromNullTime(nextAttempt)
	return &event, nil
}

func toNullTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t spanner.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
