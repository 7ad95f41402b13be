package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"stalewatch/internal/config"
	"stalewatch/internal/model"
)

// NewSender builds the configured delivery transport.
func NewSender(cfg config.NotifyConfig, logger *slog.Logger) (Sender, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "log":
		return &LogSender{logger: logger}, nil
	case "kafka":
		return NewKafkaSender(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger), nil
	case "webhook":
		return NewWebhookSender(cfg.Webhook.URL, cfg.Webhook.Timeout), nil
	default:
		return nil, errors.New("unsupported notify driver")
	}
}

// LogSender writes payloads to the log instead of delivering them.
// Default in development.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) CreateBatch(_ context.Context, batch []model.NotificationRecord) error {
	if s.logger == nil {
		return nil
	}
	for _, rec := range batch {
		s.logger.Info("notification (log driver)",
			"org_id", rec.OrgID,
			"user_id", rec.UserID,
			"priority", rec.Priority,
			"title", rec.Title,
		)
	}
	return nil
}
