package audit

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader used by KafkaConsumer.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer drains the audit topic into a Writer, typically the Postgres repository.
type KafkaConsumer struct {
	r   MessageReader
	log zerolog.Logger

	// Read failures back off from minBackoff, doubling up to maxBackoff.
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewKafkaConsumer returns a consumer for topic in consumer group groupID.
func NewKafkaConsumer(brokers []string, topic, groupID string, log zerolog.Logger) *KafkaConsumer {
	return NewKafkaConsumerWith(kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	}), log)
}

// NewKafkaConsumerWith wraps an existing reader.
func NewKafkaConsumerWith(r MessageReader, log zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		r:          r,
		log:        log.With().Str("component", "audit_consumer").Logger(),
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
}

// Run reads until ctx is done or the reader is closed. Undecodable messages are skipped;
// write failures are logged and the message is not retried. Read failures are retried with
// capped exponential backoff.
func (c *KafkaConsumer) Run(ctx context.Context, w Writer) error {
	var backoff time.Duration
	for {
		msg, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			backoff = c.nextBackoff(backoff)
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("kafka read failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			continue
		}
		backoff = 0
		e, err := DecodeKafkaEvent(msg.Value)
		if err != nil {
			c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping audit message")
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := w.Write(wctx, e); err != nil {
			c.log.Error().Err(err).Str("event_id", e.ID).Msg("persist audit event failed")
		}
		cancel()
	}
}

func (c *KafkaConsumer) nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return c.minBackoff
	}
	if next := prev * 2; next < c.maxBackoff {
		return next
	}
	return c.maxBackoff
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close closes the reader.
func (c *KafkaConsumer) Close() error {
	return c.r.Close()
}
