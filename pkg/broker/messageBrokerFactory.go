package broker

import (
	"context"
	"fmt"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/zoff-tech/go-webhooks/pkg/config"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
)

// NewConsumer builds the mutation consumer selected by cfg.Type.
func NewConsumer(ctx context.Context, cfg config.BrokerSettings, logger logging.Logger) (MutationConsumer, error) {
	logger = glog.Ensure(logger)
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqConsumer(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubConsumer(ctx, cfg, logger)
	case "redis":
		return NewRedisConsumer(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
