package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Dhoini/entitlement-service/pkg/logger"
	kafkaGo "github.com/segmentio/kafka-go"
)

// RequiredTopics - топики, которые сервис публикует.
func RequiredTopics() []kafkaGo.TopicConfig {
	return []kafkaGo.TopicConfig{
		{Topic: TopicSubscriptionSynced, NumPartitions: 3, ReplicationFactor: 1},
		{Topic: TopicSubscriptionDowngraded, NumPartitions: 3, ReplicationFactor: 1},
		{Topic: TopicPaymentGraceStarted, NumPartitions: 1, ReplicationFactor: 1},
	}
}

// validateBroker проверяет формат host:port.
func validateBroker(broker string) error {
	if strings.TrimSpace(broker) == "" {
		return errors.New("kafka broker address is empty")
	}
	_, portStr, err := net.SplitHostPort(strings.TrimSpace(broker))
	if err != nil {
		return fmt.Errorf("invalid broker address %s: %w", broker, err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("invalid broker port %s: %w", broker, err)
	}
	return nil
}

// missingTopics возвращает топики, которых нет среди existing, в стабильном порядке.
func missingTopics(required []kafkaGo.TopicConfig, existing map[string]bool) []kafkaGo.TopicConfig {
	var out []kafkaGo.TopicConfig
	for _, tc := range required {
		if !existing[tc.Topic] {
			out = append(out, tc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// EnsureKafkaTopics проверяет и создает необходимые топики Kafka.
func EnsureKafkaTopics(ctx context.Context, brokers []string, log *logger.Logger) error {
	if len(brokers) == 0 {
		return errors.New("kafka broker address is empty")
	}
	if err := validateBroker(brokers[0]); err != nil {
		log.Errorw("Invalid Kafka broker address", "broker", brokers[0], "error", err)
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := kafkaGo.DialLeader(connCtx, "tcp", strings.TrimSpace(brokers[0]), "", 0)
	if err != nil {
		log.Errorw("Failed to connect to Kafka broker for topic creation", "broker", brokers[0], "error", err)
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		log.Errorw("Failed to read partitions from Kafka", "error", err)
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}

	existing := make(map[string]bool)
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	toCreate := missingTopics(RequiredTopics(), existing)
	if len(toCreate) == 0 {
		log.Infow("All required topics already exist")
		return nil
	}

	if err := conn.CreateTopics(toCreate...); err != nil {
		if errors.Is(err, kafkaGo.TopicAlreadyExists) {
			log.Warnw("One or more topics already existed during creation attempt", "topics", topicNames(toCreate))
			return nil
		}
		log.Errorw("Failed to create topics", "error", err, "topics", topicNames(toCreate))
		return fmt.Errorf("kafka create topics failed: %w", err)
	}

	log.Infow("Created Kafka topics", "topics", topicNames(toCreate))
	return nil
}

func topicNames(configs []kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(configs))
	for _, tc := range configs {
		names = append(names, tc.Topic)
	}
	return names
}
