package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"stalewatch/internal/model"
)

// WebhookSender POSTs the whole batch as one JSON document.
type WebhookSender struct {
	url    string
	client *http.Client
}

func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSender) CreateBatch(ctx context.Context, batch []model.NotificationRecord) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]any{"notifications": batch})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
