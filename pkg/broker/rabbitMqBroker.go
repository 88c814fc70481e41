package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/streadway/amqp"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-webhooks/pkg/config"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"github.com/zoff-tech/go-webhooks/schema"
)

type RabbitMQConsumerCreator func(ctx context.Context, settings config.BrokerSettings, logger logging.Logger) (MutationConsumer, error)

var NewRabbitMqConsumer RabbitMQConsumerCreator = func(ctx context.Context, settings config.BrokerSettings, logger logging.Logger) (MutationConsumer, error) {
	consumer := &rabbitMqConsumer{
		settings:       settings,
		logger:         glog.Ensure(logger),
		reconnectDelay: 5 * time.Second,
		stop:           make(chan struct{}),
	}
	if err := consumer.connectAndDeclare(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return consumer, nil
}

var errDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

type rabbitMqConsumer struct {
	settings       config.BrokerSettings
	logger         logging.Logger
	reconnectDelay time.Duration

	mu         sync.Mutex
	connection *amqp.Connection
	channel    *amqp.Channel

	stop     chan struct{}
	stopOnce sync.Once
}

// connectAndDeclare dials the broker and declares the topic exchange and the
// durable queue bound to it. Declarations are idempotent.
func (r *rabbitMqConsumer) connectAndDeclare() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	conn, err := amqp.Dial(r.settings.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := r.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	r.connection = conn
	r.channel = ch
	r.logger.Info("RabbitMQ connection, exchange and queue initialized",
		"exchange", r.settings.Exchange, "queue", r.settings.Queue)
	return nil
}

func (r *rabbitMqConsumer) declare(ch *amqp.Channel) error {
	if r.settings.Prefetch > 0 {
		if err := ch.Qos(r.settings.Prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	err := ch.ExchangeDeclare(
		r.settings.Exchange, // name
		"topic",             // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(r.settings.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(r.settings.Queue, r.settings.RoutingKey, r.settings.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Consume reads the queue until ctx is cancelled or the consumer is closed,
// reconnecting whenever the channel drops.
func (r *rabbitMqConsumer) Consume(ctx context.Context, handle MutationHandler) error {
	for {
		err := r.consumeOnce(ctx, handle)
		if ctx.Err() != nil || r.stopped() {
			return nil
		}
		r.logger.Warn("RabbitMQ consumer interrupted, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case <-time.After(r.reconnectDelay):
		}

		if err := r.connectAndDeclare(); err != nil {
			r.logger.Error("Failed to reconnect to RabbitMQ", "error", err)
		}
	}
}

func (r *rabbitMqConsumer) consumeOnce(ctx context.Context, handle MutationHandler) error {
	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	if ch == nil {
		return errors.New("rabbitmq channel not initialized")
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(r.settings.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return errDeliveriesClosed
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			r.handleDelivery(ctx, d, handle)
		}
	}
}

// handleDelivery acks processed messages, drops undecodable ones and requeues
// the rest.
func (r *rabbitMqConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handle MutationHandler) {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	ctx, span := startConsumeSpan(ctx, "rabbitmq", d.Exchange, headers, len(d.Body))
	span.SetAttributes(semconv.MessagingRabbitmqRoutingKeyKey.String(d.RoutingKey))
	defer span.End()
	logger := r.logger.WithContext(ctx)

	msg, err := schema.DecodeMutation(d.Body)
	if err != nil {
		span.RecordError(err)
		logger.Error("dropping undecodable mutation message", "routing_key", d.RoutingKey, "error", err)
		if err := d.Nack(false, false); err != nil {
			logger.Error("failed to nack message", "error", err)
		}
		return
	}

	if err := handle(ctx, msg); err != nil {
		span.RecordError(err)
		logger.Warn("mutation handler failed, requeueing", "list_key", msg.ListKey, "error", err)
		if err := d.Nack(false, true); err != nil {
			logger.Error("failed to nack message", "error", err)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Error("failed to ack message", "error", err)
	}
}

func (r *rabbitMqConsumer) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *rabbitMqConsumer) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	if r.connection != nil && !r.connection.IsClosed() {
		return r.connection.Close()
	}
	return nil
}
