package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"fieldops-auth/backend/internal/audit/domain"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaWriter.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes events as JSON to a Kafka topic, keyed by user id so one
// user's events stay ordered within a partition.
type KafkaWriter struct {
	w MessageWriter
}

type kafkaEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	UserID     string    `json:"user_id,omitempty"`
	FamilyID   string    `json:"family_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewKafkaWriter returns a KafkaWriter for topic, or nil when brokers or topic is empty.
// Call Close when shutting down.
func NewKafkaWriter(brokers []string, topic string) *KafkaWriter {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaWriter{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

// NewKafkaWriterWith wraps an existing message writer.
func NewKafkaWriterWith(w MessageWriter) *KafkaWriter {
	return &KafkaWriter{w: w}
}

func (k *KafkaWriter) Write(ctx context.Context, e domain.Event) error {
	if k == nil || k.w == nil {
		return nil
	}
	payload, err := json.Marshal(kafkaEvent{
		ID:         e.ID,
		Kind:       string(e.Kind),
		UserID:     e.UserID,
		FamilyID:   e.FamilyID,
		SessionID:  e.SessionID,
		IP:         e.IP,
		UserAgent:  e.UserAgent,
		Detail:     e.Detail,
		OccurredAt: e.OccurredAt,
	})
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.UserID),
		Value: payload,
		Time:  e.OccurredAt,
	})
}

// Close closes the underlying writer. Safe on a nil KafkaWriter.
func (k *KafkaWriter) Close() error {
	if k == nil || k.w == nil {
		return nil
	}
	return k.w.Close()
}

// DecodeKafkaEvent parses a message value written by KafkaWriter.
func DecodeKafkaEvent(value []byte) (domain.Event, error) {
	var ke kafkaEvent
	if err := json.Unmarshal(value, &ke); err != nil {
		return domain.Event{}, fmt.Errorf("decode audit event: %w", err)
	}
	if ke.ID == "" || ke.Kind == "" {
		return domain.Event{}, fmt.Errorf("decode audit event: missing id or kind")
	}
	return domain.Event{
		ID:         ke.ID,
		Kind:       domain.Kind(ke.Kind),
		UserID:     ke.UserID,
		FamilyID:   ke.FamilyID,
		SessionID:  ke.SessionID,
		IP:         ke.IP,
		UserAgent:  ke.UserAgent,
		Detail:     ke.Detail,
		OccurredAt: ke.OccurredAt,
	}, nil
}
