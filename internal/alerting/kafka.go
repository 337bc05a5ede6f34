package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous writer keyed by symbol.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		MaxAttempts:  3,
	}
}

// KafkaNotifier publishes alerts as JSON events.
type KafkaNotifier struct {
	writer MessageWriter
	logger zerolog.Logger
}

func NewKafkaNotifier(writer MessageWriter, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: writer,
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

type kafkaEvent struct {
	Alert
	Text string `json:"text"`
}

func (n *KafkaNotifier) Notify(ctx context.Context, message string) error {
	return n.write(ctx, kafka.Message{Value: []byte(message)})
}

func (n *KafkaNotifier) NotifyAlert(ctx context.Context, alert Alert, message string) error {
	value, err := json.Marshal(kafkaEvent{Alert: alert, Text: message})
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	return n.write(ctx, kafka.Message{
		Key:   []byte(alert.Symbol),
		Value: value,
		Time:  alert.TriggeredAt,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(alert.ID.String())},
			{Key: "kind", Value: []byte(alert.Kind)},
		},
	})
}

func (n *KafkaNotifier) write(ctx context.Context, msg kafka.Message) error {
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return &TransientError{Err: fmt.Errorf("publish alert: %w", err)}
		}
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

var _ AlertNotifier = (*KafkaNotifier)(nil)
