package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mt.Run("find active endpoints", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "webhooks")
		first := mtest.CreateCursorResponse(1, "webhooks.webhook_endpoints", mtest.FirstBatch,
			bson.D{
				{Key: "id", Value: "ep-1"},
				{Key: "url", Value: "https://a.example/hook"},
				{Key: "events", Value: bson.A{"order.created"}},
				{Key: "is_active", Value: true},
				{Key: "created_at", Value: created},
			})
		last := mtest.CreateCursorResponse(0, "webhooks.webhook_endpoints", mtest.NextBatch,
			bson.D{
				{Key: "id", Value: "ep-2"},
				{Key: "url", Value: "https://b.example/hook"},
				{Key: "events", Value: bson.A{"*"}},
				{Key: "is_active", Value: true},
				{Key: "failure_count", Value: 2},
				{Key: "created_at", Value: created},
			})
		mt.AddMockResponses(first, last)

		endpoints, err := repo.FindActive(context.Background())
		require.NoError(mt, err)
		require.Len(mt, endpoints, 2)
		assert.Equal(mt, "ep-1", endpoints[0].ID)
		assert.Equal(mt, []string{"order.created"}, endpoints[0].Events)
		assert.Equal(mt, 2, endpoints[1].FailureCount)
		assert.True(mt, endpoints[1].Subscribes("product.deleted"))
	})

	mt.Run("get missing endpoint", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "webhooks")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "webhooks.webhook_endpoints", mtest.FirstBatch))

		endpoint, err := repo.GetEndpoint(context.Background(), "missing")
		assert.ErrorIs(mt, err, ErrNotFound)
		assert.Nil(mt, endpoint)
	})

	mt.Run("increment failure count", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "webhooks")
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		require.NoError(mt, repo.IncrementFailureCount(context.Background(), "ep-1"))

		started := mt.GetStartedEvent()
		require.NotNil(mt, started)
		assert.Equal(mt, "update", started.CommandName)
		assert.Equal(mt, int32(1), started.Command.Lookup("updates", "0", "u", "$inc", "failure_count").Int32())
	})

	mt.Run("record outcome clears next attempt", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "webhooks")
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		err := repo.RecordOutcome(context.Background(), "evt-1", DeliveryOutcome{
			Delivered:        true,
			ResponseStatus:   200,
			DeliveryAttempts: 1,
			LastAttempt:      time.Now(),
		})
		require.NoError(mt, err)

		started := mt.GetStartedEvent()
		require.NotNil(mt, started)
		update := started.Command.Lookup("updates", "0", "u")
		assert.True(mt, update.Document().Lookup("$set", "delivered").Boolean())
		_, err = update.Document().LookupErr("$unset", "next_attempt")
		assert.NoError(mt, err)
	})

	mt.Run("claim due stops when nothing matches", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "webhooks")
		now := time.Now().UTC()
		lease := now.Add(LockExpiration).Truncate(time.Millisecond)

		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
				{Key: "id", Value: "evt-1"},
				{Key: "event_type", Value: "order.updated"},
				{Key: "endpoint_id", Value: "ep-1"},
				{Key: "delivery_attempts", Value: 1},
				{Key: "next_attempt", Value: lease},
			}}),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
		)

		events, err := repo.ClaimDue(context.Background(), now, 5, 10, lease)
		require.NoError(mt, err)
		require.Len(mt, events, 1)
		assert.Equal(mt, "evt-1", events[0].ID)
		assert.Equal(mt, 1, events[0].DeliveryAttempts)
		require.NotNil(mt, events[0].NextAttempt)
		assert.True(mt, lease.Equal(*events[0].NextAttempt))
	})
}
