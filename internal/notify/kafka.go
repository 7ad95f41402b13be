package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"stalewatch/internal/model"
)

// KafkaSender publishes each notification payload as one message on a
// delivery topic, keyed by org so one org's alerts stay ordered.
type KafkaSender struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaSender(brokers []string, topic string, logger *slog.Logger) *KafkaSender {
	return &KafkaSender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		},
		logger: logger,
	}
}

func (s *KafkaSender) CreateBatch(ctx context.Context, batch []model.NotificationRecord) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, rec := range batch {
		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(rec.OrgID),
			Value: value,
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("notification batch published",
			"topic", s.writer.Topic,
			"count", len(msgs),
		)
	}
	return nil
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}
