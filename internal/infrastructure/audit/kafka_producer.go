// Package audit implements the AuditService interface on Kafka, a SQL table
// or the service log.
package audit

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/service"
	"github.com/turtacn/keystore/pkg/logger"
)

// MessageWriter is the subset of *kafka.Writer used by the producer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer is a Kafka-backed implementation of the AuditService.
// Messages are keyed by key id so the events of one key stay ordered.
type KafkaProducer struct {
	writer MessageWriter
	secret []byte
	logger logger.Logger
}

// NewKafkaProducer creates a new KafkaProducer writing to cfg.AuditTopic.
// A non-empty secret adds an HMAC signature header to every message.
func NewKafkaProducer(cfg config.KafkaConfig, secret []byte, log logger.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AuditTopic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return NewKafkaProducerWithWriter(writer, secret, log)
}

// NewKafkaProducerWithWriter creates a KafkaProducer on an existing writer.
func NewKafkaProducerWithWriter(writer MessageWriter, secret []byte, log logger.Logger) *KafkaProducer {
	return &KafkaProducer{
		writer: writer,
		secret: secret,
		logger: log.WithComponent("KafkaProducer"),
	}
}

// LogEvent sends an audit event to the Kafka topic.
func (p *KafkaProducer) LogEvent(ctx context.Context, event models.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal audit event", err)
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.KeyID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if len(p.secret) > 0 {
		msg.Headers = append(msg.Headers, kafka.Header{Key: SignatureHeader, Value: []byte(Sign(payload, p.secret))})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error(ctx, "failed to write message to Kafka", err,
			logger.String("event_type", string(event.EventType)),
			logger.KeyID(event.KeyID))
		return err
	}
	return nil
}

// Close closes the underlying Kafka writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

var _ service.AuditService = (*KafkaProducer)(nil)
