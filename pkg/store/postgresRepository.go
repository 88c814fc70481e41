package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	endpointColumns = `id, url, secret, events, is_active, failure_count, last_triggered, created_at, updated_at`
	eventColumns    = `id, event_type, resource_type, resource_id, payload, endpoint_id, delivered, response_status, response_body, delivery_attempts, last_attempt, next_attempt, created_at`
)

type txKey struct{}

// PostgresRepository stores endpoints and delivery rows through database/sql.
// It works with both the lib/pq and the pgx stdlib drivers.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresRepository) FindActive(ctx context.Context) ([]WebhookEndpoint, error) {
	var endpoints []WebhookEndpoint
	err := p.traced(ctx, "FindActive", func(ctx context.Context, span trace.Span) error {
		start := time.Now()
		rows, err := p.db.QueryContext(ctx,
			`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE is_active = TRUE ORDER BY created_at`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			endpoint, err := scanEndpoint(rows)
			if err != nil {
				return err
			}
			endpoints = append(endpoints, *endpoint)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		addDBStatsToSpan(span, "postgresql", "FindActive", len(endpoints), time.Since(start))
		return nil
	})
	return endpoints, err
}

func (p *PostgresRepository) GetEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error) {
	var endpoint *WebhookEndpoint
	err := p.traced(ctx, "GetEndpoint", func(ctx context.Context, _ trace.Span) error {
		row := p.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
		var err error
		endpoint, err = scanEndpoint(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return endpoint, err
}

func (p *PostgresRepository) CreateEndpoint(ctx context.Context, endpoint *WebhookEndpoint) error {
	events, err := json.Marshal(endpoint.Events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	return p.withTransaction(ctx, "CreateEndpoint", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO webhook_endpoints (`+endpointColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			endpoint.ID, endpoint.URL, endpoint.Secret, string(events), endpoint.IsActive,
			endpoint.FailureCount, nullTime(endpoint.LastTriggered), endpoint.CreatedAt.UTC(), endpoint.UpdatedAt.UTC())
		return err
	})
}

func (p *PostgresRepository) MarkTriggered(ctx context.Context, id string, at time.Time, resetFailures bool) error {
	return p.withTransaction(ctx, "MarkTriggered", func(ctx context.Context, tx *sql.Tx) error {
		query := `UPDATE webhook_endpoints SET last_triggered=$1, updated_at=$2 WHERE id=$3`
		if resetFailures {
			query = `UPDATE webhook_endpoints SET last_triggered=$1, failure_count=0, updated_at=$2 WHERE id=$3`
		}
		_, err := tx.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id)
		return err
	})
}

func (p *PostgresRepository) IncrementFailureCount(ctx context.Context, id string) error {
	return p.withTransaction(ctx, "IncrementFailureCount", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE webhook_endpoints SET failure_count = failure_count + 1, updated_at=$1 WHERE id=$2`,
			time.Now().UTC(), id)
		return err
	})
}

func (p *PostgresRepository) CreateEvent(ctx context.Context, event *WebhookEvent) error {
	return p.withTransaction(ctx, "CreateEvent", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO webhook_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			event.ID, event.EventType, event.ResourceType, event.ResourceID, event.Payload, event.EndpointID,
			event.Delivered, event.ResponseStatus, event.ResponseBody, event.DeliveryAttempts,
			nullTime(event.LastAttempt), nullTime(event.NextAttempt), event.CreatedAt.UTC())
		return err
	})
}

func (p *PostgresRepository) GetEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	var event *WebhookEvent
	err := p.traced(ctx, "GetEvent", func(ctx context.Context, _ trace.Span) error {
		row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
		var err error
		event, err = scanEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return event, err
}

func (p *PostgresRepository) RecordOutcome(ctx context.Context, id string, outcome DeliveryOutcome) error {
	return p.withTransaction(ctx, "RecordOutcome", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE webhook_events SET delivered=$1, response_status=$2, response_body=$3, delivery_attempts=$4, last_attempt=$5, next_attempt=$6 WHERE id=$7`,
			outcome.Delivered, outcome.ResponseStatus, outcome.ResponseBody, outcome.DeliveryAttempts,
			outcome.LastAttempt.UTC(), nullTime(outcome.NextAttempt), id)
		return err
	})
}

func (p *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, maxAttempts, limit int, leaseUntil time.Time) ([]WebhookEvent, error) {
	var events []WebhookEvent
	err := p.withTransaction(ctx, "ClaimDue", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM webhook_events
             WHERE delivered = FALSE AND next_attempt IS NOT NULL AND next_attempt <= $1 AND delivery_attempts < $2
             ORDER BY next_attempt LIMIT $3 FOR UPDATE SKIP LOCKED`, now.UTC(), maxAttempts, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			event, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			events = append(events, *event)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		// Lease the claimed rows so concurrent sweepers skip them
		for i := range events {
			if _, err := tx.ExecContext(ctx,
				`UPDATE webhook_events SET next_attempt=$1 WHERE id=$2`, leaseUntil.UTC(), events[i].ID); err != nil {
				return err
			}
			lease := leaseUntil.UTC()
			events[i].NextAttempt = &lease
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

func (p *PostgresRepository) traced(ctx context.Context, spanName string, fn func(ctx context.Context, span trace.Span) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	if err := fn(ctx, span); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// withTransaction runs fn inside the transaction carried by ctx, or a new one
// that is committed when fn succeeds and rolled back otherwise.
func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			err = tx.Commit()
		}()
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	if err = fn(ctx, tx); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, 0, time.Since(start))
	return nil
}

func scanEndpoint(row rowScanner) (*WebhookEndpoint, error) {
	var (
		endpoint      WebhookEndpoint
		events        []byte
		lastTriggered sql.NullTime
	)
	if err := row.Scan(
		&endpoint.ID,
		&endpoint.URL,
		&endpoint.Secret,
		&events,
		&endpoint.IsActive,
		&endpoint.FailureCount,
		&lastTriggered,
		&endpoint.CreatedAt,
		&endpoint.UpdatedAt); err != nil {
		return nil, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &endpoint.Events); err != nil {
			return nil, fmt.Errorf("decode events of endpoint %s: %w", endpoint.ID, err)
		}
	}
	endpoint.LastTriggered = timePtr(lastTriggered)
	return &endpoint, nil
}

func scanEvent(row rowScanner) (*WebhookEvent, error) {
	var (
		event       WebhookEvent
		lastAttempt sql.NullTime
		nextAttempt sql.NullTime
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&event.ResourceType,
		&event.ResourceID,
		&event.Payload,
		&event.EndpointID,
		&event.Delivered,
		&event.ResponseStatus,
		&event.ResponseBody,
		&event.DeliveryAttempts,
		&lastAttempt,
		&nextAttempt,
		&event.CreatedAt); err != nil {
		return nil, err
	}
	event.LastAttempt = timePtr(lastAttempt)
	event.NextAttempt = timePtr(nextAttempt)
	return &event, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
