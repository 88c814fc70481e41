package broker

import (
	"context"
	"fmt"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/go-webhooks/pkg/config"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"github.com/zoff-tech/go-webhooks/schema"
)

type RedisConsumerCreator func(ctx context.Context, settings config.BrokerSettings, logger logging.Logger) (MutationConsumer, error)

var NewRedisConsumer RedisConsumerCreator = func(ctx context.Context, settings config.BrokerSettings, logger logging.Logger) (MutationConsumer, error) {
	opts, err := redis.ParseURL(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &redisConsumer{
		client:   redis.NewClient(opts),
		settings: settings,
		logger:   glog.Ensure(logger),
	}, nil
}

// redisConsumer reads Redis pub/sub. Messages have no acknowledgement, so a
// failed handler only gets logged.
type redisConsumer struct {
	client   *redis.Client
	settings config.BrokerSettings
	logger   logging.Logger
}

func (r *redisConsumer) Consume(ctx context.Context, handle MutationHandler) error {
	ps := r.client.Subscribe(ctx, r.settings.Channel)
	defer ps.Close()

	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", r.settings.Channel, err)
	}

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-messages:
			if !ok {
				return nil
			}
			r.handleMessage(ctx, m, handle)
		}
	}
}

func (r *redisConsumer) handleMessage(ctx context.Context, m *redis.Message, handle MutationHandler) {
	ctx, span := startConsumeSpan(ctx, "redis", m.Channel, nil, len(m.Payload))
	defer span.End()
	logger := r.logger.WithContext(ctx)

	msg, err := schema.DecodeMutation([]byte(m.Payload))
	if err != nil {
		span.RecordError(err)
		logger.Error("dropping undecodable mutation message", "channel", m.Channel, "error", err)
		return
	}
	if err := handle(ctx, msg); err != nil {
		span.RecordError(err)
		logger.Error("mutation handler failed", "channel", m.Channel, "list_key", msg.ListKey, "error", err)
	}
}

func (r *redisConsumer) Close() error {
	return r.client.Close()
}
