package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify.log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, n Notification) error {
	attrs := []any{"kind", n.Kind, "id", n.ID, "key", n.Key()}
	switch {
	case n.Unlock != nil:
		attrs = append(attrs, "token", n.Unlock.Token, "status", n.Unlock.Status, "tx_hash", n.Unlock.TxHash)
	case n.Anomaly != nil:
		attrs = append(attrs, "category", n.Anomaly.Category, "severity", n.Anomaly.Severity, "title", n.Anomaly.Title)
	}
	s.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}

// RedisSink publishes notifications as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	owned   bool
}

// NewRedisSink connects to addr and publishes on channel.
func NewRedisSink(addr, password string, db int, channel string) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSink{client: client, channel: channel, owned: true}
}

// NewRedisSinkWithClient publishes through an existing client. Close leaves
// the client open.
func NewRedisSinkWithClient(client redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", s.channel, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes notifications as JSON records keyed by event ID, so all
// notifications about one event land on the same partition.
type KafkaSink struct {
	writer MessageWriter
	now    func() time.Time
}

// NewKafkaWriter returns a synchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w, now: time.Now}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Key()),
		Value: body,
		Time:  s.now().UTC(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
