// Package ingest feeds notifications published on a RabbitMQ queue into the notification service.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultQueue             = "crm_notifications"
	defaultPrefetch          = 10
	defaultReconnectInterval = 5 * time.Second
	consumerTag              = "crm-notifier"
)

var (
	errMissingURL     = errors.New("amqp url required")
	errMissingCreator = errors.New("notification creator dependency required")
	errChannelClosed  = errors.New("amqp delivery channel closed")
)

// NotificationCreator is the queue-insertion contract the consumer drives.
type NotificationCreator interface {
	CreateNotification(ctx context.Context, request notifications.Request) (notifications.Result, error)
}

// Outcome records what the consumer did with one delivery.
type Outcome string

const (
	OutcomeAcked    Outcome = "acked"
	OutcomeDropped  Outcome = "dropped"
	OutcomeRequeued Outcome = "requeued"
)

type Config struct {
	URL               string
	Queue             string
	Prefetch          int
	ReconnectInterval time.Duration
	Creator           NotificationCreator
	Logger            *zap.Logger
}

// Consumer reads JSON notification requests from a durable queue.
type Consumer struct {
	url               string
	queue             string
	prefetch          int
	reconnectInterval time.Duration
	creator           NotificationCreator
	logger            *zap.Logger
}

func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.Creator == nil {
		return nil, errMissingCreator
	}
	consumer := &Consumer{
		url:               cfg.URL,
		queue:             cfg.Queue,
		prefetch:          cfg.Prefetch,
		reconnectInterval: cfg.ReconnectInterval,
		creator:           cfg.Creator,
		logger:            cfg.Logger,
	}
	if consumer.queue == "" {
		consumer.queue = defaultQueue
	}
	if consumer.prefetch <= 0 {
		consumer.prefetch = defaultPrefetch
	}
	if consumer.reconnectInterval <= 0 {
		consumer.reconnectInterval = defaultReconnectInterval
	}
	if consumer.logger == nil {
		consumer.logger = zap.NewNop()
	}
	return consumer, nil
}

// Run consumes until ctx is done, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("amqp consumer interrupted", zap.String("queue", c.queue), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectInterval):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer channel.Close()

	if _, err := channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := channel.Consume(c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info("amqp consumer started", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errChannelClosed
			}
			c.Handle(ctx, delivery)
		}
	}
}

// Handle processes one delivery and settles it with the broker.
func (c *Consumer) Handle(ctx context.Context, delivery amqp.Delivery) Outcome {
	logger := c.logger.With(zap.Uint64("delivery_tag", delivery.DeliveryTag), zap.String("message_id", delivery.MessageId))

	request, err := notifications.ParseRequest(delivery.Body)
	if err != nil {
		logger.Warn("amqp message rejected", zap.Error(err))
		c.settle(logger, delivery.Nack(false, false))
		return OutcomeDropped
	}

	result, err := c.creator.CreateNotification(ctx, request)
	if err != nil {
		logger.Error("amqp notification creation failed", zap.Error(err))
		c.settle(logger, delivery.Nack(false, true))
		return OutcomeRequeued
	}
	if result.AllFailed() {
		logger.Error("amqp notification not stored for any target", zap.Strings("errors", result.Errors))
		c.settle(logger, delivery.Nack(false, true))
		return OutcomeRequeued
	}
	if !result.Success {
		logger.Info("amqp notification had no deliverable targets", zap.String("reason", result.Error))
	} else {
		logger.Info("amqp notification accepted", zap.Int("user_count", result.UserCount), zap.Int("queued", len(result.QueueIDs)))
	}
	c.settle(logger, delivery.Ack(false))
	return OutcomeAcked
}

func (c *Consumer) settle(logger *zap.Logger, err error) {
	if err != nil {
		logger.Warn("amqp settle failed", zap.Error(err))
	}
}
