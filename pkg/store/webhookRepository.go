package store

import (
	"context"
	"time"
)

// EndpointRepository defines the operations on persisted webhook endpoints.
type EndpointRepository interface {
	// FindActive returns every endpoint with is_active = true.
	FindActive(ctx context.Context) ([]WebhookEndpoint, error)
	// GetEndpoint loads one endpoint by id, or ErrNotFound.
	GetEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error)
	// CreateEndpoint inserts a new endpoint.
	CreateEndpoint(ctx context.Context, endpoint *WebhookEndpoint) error
	// MarkTriggered stores a successful delivery time, resetting the failure counter when asked.
	MarkTriggered(ctx context.Context, id string, at time.Time, resetFailures bool) error
	// IncrementFailureCount adds one to the consecutive failure counter.
	IncrementFailureCount(ctx context.Context, id string) error
}

// EventRepository defines the operations on webhook delivery rows.
type EventRepository interface {
	// CreateEvent inserts a delivery row.
	CreateEvent(ctx context.Context, event *WebhookEvent) error
	// GetEvent loads one delivery row by id, or ErrNotFound.
	GetEvent(ctx context.Context, id string) (*WebhookEvent, error)
	// RecordOutcome writes the result of an attempt to the row.
	RecordOutcome(ctx context.Context, id string, outcome DeliveryOutcome) error
	// ClaimDue leases undelivered rows whose next attempt is due and that have
	// fewer than maxAttempts attempts, pushing their next_attempt to leaseUntil.
	ClaimDue(ctx context.Context, now time.Time, maxAttempts, limit int, leaseUntil time.Time) ([]WebhookEvent, error)
}

// Repository is the full persistence surface of the webhook subsystem.
type Repository interface {
	EndpointRepository
	EventRepository
	Close() error
}
