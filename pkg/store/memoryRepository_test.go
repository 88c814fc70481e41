package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_Endpoints(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.CreateEndpoint(ctx, &WebhookEndpoint{ID: "b", URL: "https://b", Events: []string{"*"}, IsActive: true, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, repo.CreateEndpoint(ctx, &WebhookEndpoint{ID: "a", URL: "https://a", Events: []string{"order.created"}, IsActive: true, CreatedAt: base}))
	require.NoError(t, repo.CreateEndpoint(ctx, &WebhookEndpoint{ID: "c", URL: "https://c", Events: []string{"*"}, IsActive: false, CreatedAt: base}))

	assert.Error(t, repo.CreateEndpoint(ctx, &WebhookEndpoint{ID: "a", URL: "https://dup"}))

	active, err := repo.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)

	// returned values are copies
	active[0].Events[0] = "mutated"
	stored, err := repo.GetEndpoint(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"order.created"}, stored.Events)

	require.NoError(t, repo.IncrementFailureCount(ctx, "a"))
	require.NoError(t, repo.IncrementFailureCount(ctx, "a"))
	stored, _ = repo.GetEndpoint(ctx, "a")
	assert.Equal(t, 2, stored.FailureCount)

	at := base.Add(time.Hour)
	require.NoError(t, repo.MarkTriggered(ctx, "a", at, false))
	stored, _ = repo.GetEndpoint(ctx, "a")
	assert.Equal(t, 2, stored.FailureCount)
	require.NotNil(t, stored.LastTriggered)
	assert.True(t, at.Equal(*stored.LastTriggered))

	require.NoError(t, repo.MarkTriggered(ctx, "a", at, true))
	stored, _ = repo.GetEndpoint(ctx, "a")
	assert.Equal(t, 0, stored.FailureCount)

	_, err = repo.GetEndpoint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.IncrementFailureCount(ctx, "missing"), ErrNotFound)
}

func TestMemoryRepository_ClaimDue(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	earlier := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	for _, event := range []WebhookEvent{
		{ID: "due-late", DeliveryAttempts: 1, NextAttempt: &past},
		{ID: "due-early", DeliveryAttempts: 2, NextAttempt: &earlier},
		{ID: "future", DeliveryAttempts: 1, NextAttempt: &future},
		{ID: "exhausted", DeliveryAttempts: 5, NextAttempt: &earlier},
		{ID: "delivered", Delivered: true, DeliveryAttempts: 1, NextAttempt: &earlier},
		{ID: "abandoned", DeliveryAttempts: 3},
	} {
		event := event
		require.NoError(t, repo.CreateEvent(ctx, &event))
	}

	lease := now.Add(LockExpiration)
	claimed, err := repo.ClaimDue(ctx, now, 5, 10, lease)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "due-early", claimed[0].ID)
	assert.Equal(t, "due-late", claimed[1].ID)

	// leased rows are invisible until the lease expires
	again, err := repo.ClaimDue(ctx, now, 5, 10, lease)
	require.NoError(t, err)
	assert.Empty(t, again)

	afterLease, err := repo.ClaimDue(ctx, lease, 5, 1, lease.Add(LockExpiration))
	require.NoError(t, err)
	assert.Len(t, afterLease, 1)
}

func TestMemoryRepository_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.CreateEvent(ctx, &WebhookEvent{ID: "evt-1", Payload: []byte(`{}`)}))

	next := time.Now().Add(2 * time.Minute)
	require.NoError(t, repo.RecordOutcome(ctx, "evt-1", DeliveryOutcome{
		ResponseStatus:   500,
		ResponseBody:     "boom",
		DeliveryAttempts: 1,
		LastAttempt:      time.Now(),
		NextAttempt:      &next,
	}))
	event, err := repo.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, event.Delivered)
	assert.Equal(t, 500, event.ResponseStatus)
	require.NotNil(t, event.NextAttempt)

	require.NoError(t, repo.RecordOutcome(ctx, "evt-1", DeliveryOutcome{
		Delivered:        true,
		ResponseStatus:   200,
		DeliveryAttempts: 2,
		LastAttempt:      time.Now(),
	}))
	event, _ = repo.GetEvent(ctx, "evt-1")
	assert.True(t, event.Delivered)
	assert.Nil(t, event.NextAttempt)
	assert.Equal(t, 2, event.DeliveryAttempts)

	assert.ErrorIs(t, repo.RecordOutcome(ctx, "missing", DeliveryOutcome{}), ErrNotFound)
}

func TestMemoryRepository_LoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoints:
  - id: orders
    url: https://orders.example/hook
    secret: s3cret
    events: ["order.created", "order.updated"]
    is_active: true
  - url: https://audit.example/hook
    events: ["*"]
    is_active: true
`), 0o600))

	repo := NewMemoryRepository()
	require.NoError(t, repo.LoadSeedFile(context.Background(), path))

	active, err := repo.FindActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)

	orders, err := repo.GetEndpoint(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", orders.Secret)
	assert.True(t, orders.Subscribes("order.updated"))
	assert.False(t, orders.Subscribes("order.deleted"))
}

func TestMemoryRepository_LoadSeedFileErrors(t *testing.T) {
	dir := t.TempDir()
	repo := NewMemoryRepository()

	assert.Error(t, repo.LoadSeedFile(context.Background(), filepath.Join(dir, "missing.yaml")))

	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoints:\n  - events: [\"*\"]\n"), 0o600))
	assert.EqualError(t, repo.LoadSeedFile(context.Background(), path), "seed endpoint 0: url is required")
}
