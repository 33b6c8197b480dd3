package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Producer publishes JSON events to the relay event bus.
type Producer struct {
	producer *kafka.Producer
	tracer   trace.Tracer
}

type ProducerConfig struct {
	BootstrapServers string
	ClientID         string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	config := &kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"client.id":          cfg.ClientID,
		"acks":               "all",
		"retries":            10,
		"enable.idempotence": true,
		"compression.type":   "snappy",
	}

	producer, err := kafka.NewProducer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	// Log async delivery failures from the background event channel.
	go func() {
		for e := range producer.Events() {
			if msg, ok := e.(*kafka.Message); ok && msg.TopicPartition.Error != nil {
				log.Printf("Kafka delivery failed: %v", msg.TopicPartition.Error)
			}
		}
	}()

	return &Producer{
		producer: producer,
		tracer:   otel.Tracer("relay-bus-producer"),
	}, nil
}

// ProduceEvent publishes a single event and waits for broker confirmation.
func (p *Producer) ProduceEvent(ctx context.Context, topic string, key string, event interface{}) error {
	ctx, span := p.tracer.Start(ctx, "kafka.produce",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
		))
	defer span.End()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := make([]kafka.Header, 0, 2)
	if sc := span.SpanContext(); sc.IsValid() {
		headers = append(headers,
			kafka.Header{Key: "trace-id", Value: []byte(sc.TraceID().String())},
			kafka.Header{Key: "span-id", Value: []byte(sc.SpanID().String())},
		)
	}

	deliveryChan := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          payload,
		Headers:        headers,
		Timestamp:      time.Now(),
	}, deliveryChan)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case e := <-deliveryChan:
		msg := e.(*kafka.Message)
		if msg.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", msg.TopicPartition.Error)
		}
		span.AddEvent("message delivered",
			trace.WithAttributes(
				attribute.Int("partition", int(msg.TopicPartition.Partition)),
				attribute.Int64("offset", int64(msg.TopicPartition.Offset)),
			))
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("delivery timeout for topic %s", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Producer) Close() {
	p.producer.Flush(10000)
	p.producer.Close()
}
