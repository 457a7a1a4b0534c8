package subscriber

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"relay-service/internal/channel"
)

// KafkaSubscriber consumes a single topic; the message key names the target
// channel and the value carries the same envelope the Redis bus uses.
type KafkaSubscriber struct {
	reader     *kafka.Reader
	dispatcher channel.Dispatcher
	log        *slog.Logger
}

func NewKafkaSubscriber(brokers []string, topic, groupID string, dispatcher channel.Dispatcher, log *slog.Logger) *KafkaSubscriber {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1e6,
	})

	return &KafkaSubscriber{
		reader:     reader,
		dispatcher: dispatcher,
		log:        log,
	}
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context) error {
	go func() {
		for {
			msg, err := s.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				s.log.Error("Kafka read failed", "error", err)
				return
			}

			name := string(msg.Key)
			if name == "" {
				s.log.Debug("Dropping kafka message without channel key", "offset", msg.Offset)
				continue
			}

			req, err := decodeEnvelope(msg.Value, name)
			if err != nil {
				s.log.Debug("Dropping undecodable kafka message", "channel", name, "error", err)
				continue
			}

			s.log.Debug("Kafka event received", "channel", name, "event", req.Event)
			s.dispatcher.Dispatch(req)
		}
	}()

	s.log.Info("Listening for kafka events", "topic", s.reader.Config().Topic)
	return nil
}

func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}
