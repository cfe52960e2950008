package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes outbox records to a single topic keyed by aggregate id,
// so events for one order stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	log = log.Named("events.kafka")
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				log.Debug(fmt.Sprintf(msg, args...))
			}),
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				log.Warn(fmt.Sprintf(msg, args...))
			}),
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, record Record) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.AggregateID),
		Value: record.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(record.ID.String())},
			{Key: "event_type", Value: []byte(record.EventType)},
			{Key: "aggregate_type", Value: []byte(record.AggregateType)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
