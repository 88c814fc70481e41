package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

const (
	endpointsCollection = "webhook_endpoints"
	eventsCollection    = "webhook_events"
)

type MongoRepository struct {
	client   *mongo.Client
	database string
}

func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	return &MongoRepository{
		client:   client,
		database: database,
	}
}

func (m *MongoRepository) endpoints() *mongo.Collection {
	return m.client.Database(m.database).Collection(endpointsCollection)
}

func (m *MongoRepository) events() *mongo.Collection {
	return m.client.Database(m.database).Collection(eventsCollection)
}

func (m *MongoRepository) FindActive(ctx context.Context) ([]WebhookEndpoint, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindActive")
	defer span.End()

	startTime := time.Now()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := m.endpoints().Find(ctx, bson.M{"is_active": true}, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var endpoints []WebhookEndpoint
	for cursor.Next(ctx) {
		var endpoint WebhookEndpoint
		if err := cursor.Decode(&endpoint); err != nil {
			span.RecordError(err)
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "FindActive", len(endpoints), time.Since(startTime))
	return endpoints, nil
}

func (m *MongoRepository) GetEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error) {
	var endpoint WebhookEndpoint
	err := m.endpoints().FindOne(ctx, bson.M{"id": id}).Decode(&endpoint)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func (m *MongoRepository) CreateEndpoint(ctx context.Context, endpoint *WebhookEndpoint) error {
	_, err := m.endpoints().InsertOne(ctx, endpoint)
	return err
}

func (m *MongoRepository) MarkTriggered(ctx context.Context, id string, at time.Time, resetFailures bool) error {
	set := bson.M{
		"last_triggered": at.UTC(),
		"updated_at":     time.Now().UTC(),
	}
	if resetFailures {
		set["failure_count"] = 0
	}
	_, err := m.endpoints().UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": set})
	return err
}

func (m *MongoRepository) IncrementFailureCount(ctx context.Context, id string) error {
	update := bson.M{
		"$set": bson.M{"updated_at": time.Now().UTC()},
		"$inc": bson.M{"failure_count": 1},
	}
	_, err := m.endpoints().UpdateOne(ctx, bson.M{"id": id}, update)
	return err
}

func (m *MongoRepository) CreateEvent(ctx context.Context, event *WebhookEvent) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "CreateEvent")
	defer span.End()

	startTime := time.Now()
	if _, err := m.events().InsertOne(ctx, event); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "mongodb", "CreateEvent", 1, time.Since(startTime))
	return nil
}

func (m *MongoRepository) GetEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	var event WebhookEvent
	err := m.events().FindOne(ctx, bson.M{"id": id}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (m *MongoRepository) RecordOutcome(ctx context.Context, id string, outcome DeliveryOutcome) error {
	set := bson.M{
		"delivered":         outcome.Delivered,
		"response_status":   outcome.ResponseStatus,
		"response_body":     outcome.ResponseBody,
		"delivery_attempts": outcome.DeliveryAttempts,
		"last_attempt":      outcome.LastAttempt.UTC(),
	}
	update := bson.M{"$set": set}
	if outcome.NextAttempt != nil {
		set["next_attempt"] = outcome.NextAttempt.UTC()
	} else {
		update["$unset"] = bson.M{"next_attempt": ""}
	}
	_, err := m.events().UpdateOne(ctx, bson.M{"id": id}, update)
	return err
}

// ClaimDue leases rows one at a time with findAndModify, so two sweepers never
// receive the same row.
func (m *MongoRepository) ClaimDue(ctx context.Context, now time.Time, maxAttempts, limit int, leaseUntil time.Time) ([]WebhookEvent, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ClaimDue")
	defer span.End()

	startTime := time.Now()

	filter := bson.M{
		"delivered":         false,
		"next_attempt":      bson.M{"$lte": now.UTC()},
		"delivery_attempts": bson.M{"$lt": maxAttempts},
	}
	update := bson.M{"$set": bson.M{"next_attempt": leaseUntil.UTC()}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_attempt", Value: 1}}).
		SetReturnDocument(options.After)

	var events []WebhookEvent
	for len(events) < limit {
		var event WebhookEvent
		err := m.events().FindOneAndUpdate(ctx, filter, update, opts).Decode(&event)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		events = append(events, event)
	}

	addDBStatsToSpan(span, "mongodb", "ClaimDue", len(events), time.Since(startTime))
	return events, nil
}

func (m *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
