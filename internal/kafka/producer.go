package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Топики событий об изменении прав
const (
	TopicSubscriptionSynced     = string(models.EventSubscriptionSynced)
	TopicSubscriptionDowngraded = string(models.EventSubscriptionDowngraded)
	TopicPaymentGraceStarted    = string(models.EventPaymentGraceStarted)
)

// Producer определяет интерфейс для публикации событий в Kafka.
type Producer interface {
	// PublishEntitlementEvent отправляет событие; ключ сообщения - UserID,
	// поэтому события одного пользователя попадают в одну партицию.
	PublishEntitlementEvent(ctx context.Context, topic string, event *models.EntitlementEvent) error
	Close() error
}

// NewEntitlementEvent заполняет ID и время события.
func NewEntitlementEvent(eventType models.EntitlementEventType, sub *models.Subscription, reason string) *models.EntitlementEvent {
	ev := &models.EntitlementEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	if sub != nil {
		ev.UserID = sub.UserID
		ev.PlanType = string(sub.PlanType)
		ev.Status = string(sub.Status)
	}
	return ev
}

// PublishAsync публикует событие в фоне. Отмена ctx запроса не прерывает
// отправку; ошибка только логируется.
func PublishAsync(ctx context.Context, p Producer, event *models.EntitlementEvent, log *logger.Logger) {
	if p == nil || event == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := p.PublishEntitlementEvent(bg, string(event.Type), event); err != nil {
			log.Warnw("Failed to publish entitlement event", "error", err, "type", event.Type, "userID", event.UserID)
		}
	}()
}

// kafkaProducer реализует Producer через segmentio/kafka-go.
type kafkaProducer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewKafkaProducer создает и настраивает новый продюсер Kafka.
func NewKafkaProducer(brokers []string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers, "driver", "kafka-go")
	return &kafkaProducer{writer: writer, log: log}, nil
}

func encodeEvent(event *models.EntitlementEvent) ([]byte, []byte, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}
	return []byte(event.UserID), value, nil
}

func (k *kafkaProducer) PublishEntitlementEvent(ctx context.Context, topic string, event *models.EntitlementEvent) error {
	key, value, err := encodeEvent(event)
	if err != nil {
		k.log.Errorw("Failed to marshal entitlement event", "error", err, "topic", topic)
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err = k.writer.WriteMessages(writeCtx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			k.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", topic, "userID", event.UserID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		k.log.Errorw("Failed to write message to Kafka", "error", err, "topic", topic, "userID", event.UserID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Debugw("Published entitlement event", "topic", topic, "userID", event.UserID, "eventID", event.ID)
	return nil
}

// Close закрывает Kafka Writer; вызывается при graceful shutdown.
func (k *kafkaProducer) Close() error {
	if err := k.writer.Close(); err != nil {
		k.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	k.log.Infow("Kafka producer writer closed successfully")
	return nil
}

// NopProducer используется, когда Kafka выключена.
type NopProducer struct{}

func (NopProducer) PublishEntitlementEvent(context.Context, string, *models.EntitlementEvent) error {
	return nil
}

func (NopProducer) Close() error { return nil }
