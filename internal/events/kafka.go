// Package events publishes generation progress to Kafka for consumers
// outside the API process.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/voiceavatar/api/internal/model"
)

const writeTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes every ProgressEvent to a topic, keyed by request id so a
// request's events stay ordered within one partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates an asynchronous publisher. Notify never waits for the
// broker; delivery failures are logged.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		WriteTimeout:           writeTimeout,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn().Err(err).Int("messages", len(messages)).Str("topic", topic).Msg("failed to publish progress events")
			}
		},
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka progress publisher initialized")

	return &KafkaSink{writer: writer, topic: topic}
}

// Notify publishes one event
func (s *KafkaSink) Notify(event model.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("request_id", event.RequestID).Msg("failed to marshal progress event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.RequestID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "stage", Value: []byte(event.Stage)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		log.Warn().Err(err).
			Str("request_id", event.RequestID).
			Str("stage", event.Stage).
			Str("topic", s.topic).
			Msg("failed to enqueue progress event")
	}
}

// Close flushes pending messages
func (s *KafkaSink) Close() error {
	log.Info().Msg("Closing Kafka progress publisher")
	return s.writer.Close()
}
