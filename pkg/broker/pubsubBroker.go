package broker

import (
	"context"

	"cloud.google.com/go/pubsub"
	glog "github.com/goliatone/go-logger/glog"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-webhooks/pkg/config"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"github.com/zoff-tech/go-webhooks/schema"
)

// PubSubConsumerCreator defines a function type for creating Pub/Sub consumers.
type PubSubConsumerCreator func(ctx context.Context, settings config.BrokerSettings, logger logging.Logger, opts ...option.ClientOption) (MutationConsumer, error)

// NewPubSubConsumer is the default implementation of PubSubConsumerCreator.
var NewPubSubConsumer PubSubConsumerCreator = func(ctx context.Context, settings config.BrokerSettings, logger logging.Logger, opts ...option.ClientOption) (MutationConsumer, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubConsumer{client: client, settings: settings, logger: glog.Ensure(logger)}, nil
}

type pubSubConsumer struct {
	client   *pubsub.Client
	settings config.BrokerSettings
	logger   logging.Logger
}

// Consume receives from the configured subscription until ctx is cancelled.
func (p *pubSubConsumer) Consume(ctx context.Context, handle MutationHandler) error {
	sub := p.client.Subscription(p.settings.Subscription)
	if p.settings.Prefetch > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = p.settings.Prefetch
	}
	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		p.handleMessage(ctx, m, handle)
	})
}

// handleMessage acks processed and undecodable messages and nacks the rest so
// Pub/Sub redelivers them.
func (p *pubSubConsumer) handleMessage(ctx context.Context, m *pubsub.Message, handle MutationHandler) {
	ctx, span := startConsumeSpan(ctx, "pubsub", p.settings.Subscription, m.Attributes, len(m.Data))
	defer span.End()
	logger := p.logger.WithContext(ctx)

	msg, err := schema.DecodeMutation(m.Data)
	if err != nil {
		span.RecordError(err)
		logger.Error("dropping undecodable mutation message", "message_id", m.ID, "error", err)
		m.Ack()
		return
	}

	if err := handle(ctx, msg); err != nil {
		span.RecordError(err)
		logger.Warn("mutation handler failed, nacking", "message_id", m.ID, "list_key", msg.ListKey, "error", err)
		m.Nack()
		return
	}
	m.Ack()
}

func (p *pubSubConsumer) Close() error {
	return p.client.Close()
}
