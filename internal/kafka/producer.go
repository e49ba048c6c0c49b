package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/remotelab/weblab-gateway/pkg/logger"
)

type Producer interface {
	PublishSessionStarted(ctx context.Context, event SessionStartedEvent) error
	PublishSessionDisposed(ctx context.Context, event SessionDisposedEvent) error
	PublishTaskFinished(ctx context.Context, event TaskFinishedEvent) error
	Close() error
}

type kafkaProducer struct {
	producer sarama.SyncProducer
	logger   logger.Logger
}

// NewProducerWithClient wraps an already connected sarama producer, as
// built by pkg/kafka.
func NewProducerWithClient(producer sarama.SyncProducer, l logger.Logger) Producer {
	return &kafkaProducer{producer: producer, logger: l}
}

func (p *kafkaProducer) PublishSessionStarted(ctx context.Context, event SessionStartedEvent) error {
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now()
	return p.publishEvent(ctx, TopicSessionStarted, event.SessionID, event)
}

func (p *kafkaProducer) PublishSessionDisposed(ctx context.Context, event SessionDisposedEvent) error {
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now()
	return p.publishEvent(ctx, TopicSessionDisposed, event.SessionID, event)
}

func (p *kafkaProducer) PublishTaskFinished(ctx context.Context, event TaskFinishedEvent) error {
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now()
	return p.publishEvent(ctx, TopicTaskFinished, event.SessionID, event)
}

func (p *kafkaProducer) publishEvent(ctx context.Context, topic string, key string, event interface{}) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key), // Partition by session_id for ordering
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("timestamp"),
				Value: []byte(time.Now().Format(time.RFC3339)),
			},
		},
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		p.logger.Errorf(ctx, "Failed to send kafka message, topic: %s, error: %v", topic, err)
		return fmt.Errorf("failed to send kafka message: %w", err)
	}

	p.logger.Debugf(ctx, "Kafka message sent, topic: %s, partition: %d, offset: %d, key: %s", topic, partition, offset, key)

	return nil
}

func (p *kafkaProducer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

// NoopProducer satisfies Producer when event publishing is disabled.
type NoopProducer struct{}

func (NoopProducer) PublishSessionStarted(context.Context, SessionStartedEvent) error   { return nil }
func (NoopProducer) PublishSessionDisposed(context.Context, SessionDisposedEvent) error { return nil }
func (NoopProducer) PublishTaskFinished(context.Context, TaskFinishedEvent) error       { return nil }
func (NoopProducer) Close() error                                                       { return nil }
