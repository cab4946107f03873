package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/IBM/sarama"
)

// ProducerConfig - настройки sarama продюсера.
type ProducerConfig struct {
	MaxMessageBytes  int
	Compression      sarama.CompressionCodec
	RequiredAcks     sarama.RequiredAcks
	FlushMaxMessages int
}

// DefaultProducerConfig возвращает настройки по умолчанию.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		MaxMessageBytes:  1000000,
		Compression:      sarama.CompressionSnappy,
		RequiredAcks:     sarama.WaitForAll,
		FlushMaxMessages: 100,
	}
}

// NewSaramaConfig создает конфигурацию для SyncProducer.
func NewSaramaConfig(cfg ProducerConfig) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_3_0_0
	saramaConfig.ClientID = "entitlement-service"

	saramaConfig.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	saramaConfig.Producer.Compression = cfg.Compression
	saramaConfig.Producer.RequiredAcks = cfg.RequiredAcks
	saramaConfig.Producer.Flush.MaxMessages = cfg.FlushMaxMessages
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	// SyncProducer требует оба флага
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	return saramaConfig
}

// saramaProducer - альтернативная реализация Producer на IBM/sarama.
type saramaProducer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
}

// NewSaramaProducer подключается к брокерам и создает SyncProducer.
func NewSaramaProducer(brokers []string, cfg ProducerConfig, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	sp, err := sarama.NewSyncProducer(brokers, NewSaramaConfig(cfg))
	if err != nil {
		log.Errorw("Failed to create sarama producer", "error", err, "brokers", brokers)
		return nil, fmt.Errorf("kafka: failed to create sarama producer: %w", err)
	}
	log.Infow("Kafka producer initialized", "brokers", brokers, "driver", "sarama")
	return NewSaramaProducerFrom(sp, log), nil
}

// NewSaramaProducerFrom оборачивает готовый SyncProducer (в тестах - mocks).
func NewSaramaProducerFrom(sp sarama.SyncProducer, log *logger.Logger) Producer {
	return &saramaProducer{producer: sp, log: log}
}

func (p *saramaProducer) PublishEntitlementEvent(_ context.Context, topic string, event *models.EntitlementEvent) error {
	key, value, err := encodeEvent(event)
	if err != nil {
		return err
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		p.log.Errorw("Failed to publish entitlement event", "error", err, "topic", topic, "userID", event.UserID)
		return fmt.Errorf("kafka: failed to publish event: %w", err)
	}

	p.log.Debugw("Published entitlement event", "topic", topic, "partition", partition, "offset", offset)
	return nil
}

func (p *saramaProducer) Close() error {
	return p.producer.Close()
}
