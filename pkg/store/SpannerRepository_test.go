package store

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/spannertest"
	"cloud.google.com/go/spanner/spansql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const spannerSchema = `
CREATE TABLE webhook_endpoints (
	id STRING(36) NOT NULL,
	url STRING(MAX) NOT NULL,
	secret STRING(MAX),
	events ARRAY<STRING(MAX)>,
	is_active BOOL NOT NULL,
	failure_count INT64 NOT NULL,
	last_triggered TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
) PRIMARY KEY (id);
CREATE TABLE webhook_events (
	id STRING(36) NOT NULL,
	event_type STRING(MAX) NOT NULL,
	resource_type STRING(MAX) NOT NULL,
	resource_id STRING(MAX),
	payload BYTES(MAX),
	endpoint_id STRING(36) NOT NULL,
	delivered BOOL NOT NULL,
	response_status INT64 NOT NULL,
	response_body STRING(MAX),
	delivery_attempts INT64 NOT NULL,
	last_attempt TIMESTAMP,
	next_attempt TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
) PRIMARY KEY (id)`

func setupSpannerTestServer(t *testing.T) *SpannerRepository {
	server, err := spannertest.NewServer("localhost:0")
	require.NoError(t, err)
	t.Cleanup(server.Close)

	ddl, err := spansql.ParseDDL("schema", spannerSchema)
	require.NoError(t, err)
	require.NoError(t, server.UpdateDDL(ddl))

	t.Setenv("SPANNER_EMULATOR_HOST", server.Addr)
	client, err := spanner.NewClient(context.Background(), "projects/test-project/instances/test-instance/databases/test-database")
	require.NoError(t, err)

	repo := NewSpannerRepositoryFactory(client).(*SpannerRepository)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSpannerRepository_Endpoints(t *testing.T) {
	repo := setupSpannerTestServer(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.CreateEndpoint(ctx, &WebhookEndpoint{
		ID: "ep-1", URL: "https://a.example", Secret: "s1", Events: []string{"order.created", "*"},
		IsActive: true, CreatedAt: created, UpdatedAt: created,
	}))
	require.NoError(t, repo.CreateEndpoint(ctx, &WebhookEndpoint{
		ID: "ep-2", URL: "https://b.example", Events: []string{"*"}, IsActive: false, CreatedAt: created, UpdatedAt: created,
	}))

	active, err := repo.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ep-1", active[0].ID)
	assert.Equal(t, []string{"order.created", "*"}, active[0].Events)
	assert.Nil(t, active[0].LastTriggered)

	endpoint, err := repo.GetEndpoint(ctx, "ep-2")
	require.NoError(t, err)
	assert.False(t, endpoint.IsActive)

	_, err = repo.GetEndpoint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSpannerRepository_Events(t *testing.T) {
	repo := setupSpannerTestServer(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	next := created.Add(2 * time.Minute)

	require.NoError(t, repo.CreateEvent(ctx, &WebhookEvent{
		ID: "evt-1", EventType: "order.created", ResourceType: "Order", ResourceID: "ord-1",
		Payload: []byte(`{"event":"order.created"}`), EndpointID: "ep-1", DeliveryAttempts: 1,
		NextAttempt: &next, CreatedAt: created,
	}))

	event, err := repo.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"event":"order.created"}`), event.Payload)
	assert.Equal(t, 1, event.DeliveryAttempts)
	assert.Nil(t, event.LastAttempt)
	require.NotNil(t, event.NextAttempt)
	assert.True(t, next.Equal(*event.NextAttempt))

	_, err = repo.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
