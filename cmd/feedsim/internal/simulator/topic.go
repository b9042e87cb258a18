package simulator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	topicReadyAttempts = 5
	topicReadyDelay    = 200 * time.Millisecond
)

// TopicCreator makes sure the ticks topic exists before the publisher writes.
type TopicCreator struct {
	logger *zap.Logger
	dialer KafkaDialer
	clock  Clock
}

func NewTopicCreator(logger *zap.Logger, dialer KafkaDialer, clock Clock) *TopicCreator {
	return &TopicCreator{logger: logger, dialer: dialer, clock: clock}
}

// Ensure creates topic through the cluster controller and waits until its
// partitions are visible. An already existing topic is not an error.
func (tc *TopicCreator) Ensure(ctx context.Context, brokers []string, topic string, partitions int) error {
	var (
		conn KafkaConn
		err  error
	)
	for _, addr := range brokers {
		if conn, err = tc.dialer.DialContext(ctx, "tcp", addr); err == nil {
			break
		}
	}
	if conn == nil {
		return fmt.Errorf("dial brokers %v: %w", brokers, err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}

	controllerConn, err := tc.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer controllerConn.Close()

	if err := controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}); err != nil {
		tc.logger.Info("Topic creation finished (might already exist)", zap.String("topic", topic), zap.Error(err))
	}

	for i := 0; i < topicReadyAttempts; i++ {
		parts, err := conn.ReadPartitions(topic)
		if err == nil && len(parts) > 0 {
			tc.logger.Info("Topic is ready", zap.String("topic", topic), zap.Int("partitions", len(parts)))
			return nil
		}
		tc.clock.Sleep(topicReadyDelay)
	}
	return fmt.Errorf("topic %q not ready after %d attempts", topic, topicReadyAttempts)
}
