package kafka

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler processes a single message from a subscribed topic.
type MessageHandler func(ctx context.Context, key string, value []byte) error

// Consumer dispatches bus messages to per-topic handlers.
type Consumer struct {
	consumer *kafka.Consumer
	tracer   trace.Tracer
	handlers map[string]MessageHandler
}

type ConsumerConfig struct {
	BootstrapServers string
	GroupID          string
	Topics           []string
	AutoOffsetReset  string
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	config := &kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  cfg.AutoOffsetReset,
		"enable.auto.commit": false, // commit only after the handler succeeds
	}

	consumer, err := kafka.NewConsumer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	if err := consumer.SubscribeTopics(cfg.Topics, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	return &Consumer{
		consumer: consumer,
		tracer:   otel.Tracer("relay-bus-consumer"),
		handlers: make(map[string]MessageHandler),
	}, nil
}

// RegisterHandler binds a handler to a topic. Must be called before Start.
func (c *Consumer) RegisterHandler(topic string, handler MessageHandler) {
	c.handlers[topic] = handler
}

// Start polls the bus until the context is cancelled. Handler failures are
// logged and skipped so one bad message cannot stall the partition.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.consumer.ReadMessage(100 * time.Millisecond)
			if err != nil {
				if kErr, ok := err.(kafka.Error); ok && kErr.Code() == kafka.ErrTimedOut {
					continue
				}
				return fmt.Errorf("consumer error: %w", err)
			}

			if err := c.dispatch(ctx, msg); err != nil {
				log.Printf("Failed to process message: %v", err)
				continue
			}

			if _, err := c.consumer.CommitMessage(msg); err != nil {
				log.Printf("Failed to commit offset: %v", err)
			}
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg *kafka.Message) error {
	topic := *msg.TopicPartition.Topic

	ctx, span := c.tracer.Start(ctx, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
			attribute.Int("partition", int(msg.TopicPartition.Partition)),
			attribute.Int64("offset", int64(msg.TopicPartition.Offset)),
		))
	defer span.End()

	handler, ok := c.handlers[topic]
	if !ok {
		return fmt.Errorf("no handler registered for topic %s", topic)
	}

	if err := handler(ctx, string(msg.Key), msg.Value); err != nil {
		span.RecordError(err)
		return fmt.Errorf("handler failed: %w", err)
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
