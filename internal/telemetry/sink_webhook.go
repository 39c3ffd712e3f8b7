package telemetry

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookConfig controls outbound event delivery over HTTP.
type WebhookConfig struct {
	URLs    []string
	Secret  string
	Timeout time.Duration
}

// WebhookSink POSTs each event as JSON to the configured URLs. Delivery is
// best effort: a failing endpoint is logged and skipped, never retried.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSink constructs a WebhookSink.
func NewWebhookSink(cfg WebhookConfig, logger *zap.Logger) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Consume delivers the event to every configured URL.
func (s *WebhookSink) Consume(ctx context.Context, evt Event) error {
	if len(s.cfg.URLs) == 0 {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	for _, url := range s.cfg.URLs {
		s.post(ctx, url, evt.Type, body)
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, url, eventType string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("webhook request build failed", zap.String("url", url), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Librarr/telemetry")
	if s.cfg.Secret != "" {
		req.Header.Set("X-Librarr-Signature", "sha256="+s.sign(body))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed",
			zap.String("url", url), zap.String("event", eventType), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		s.logger.Warn("webhook returned error status",
			zap.String("url", url), zap.String("event", eventType), zap.Int("status", resp.StatusCode))
	}
}

func (s *WebhookSink) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Close implements the Sink interface; it performs no action.
func (s *WebhookSink) Close(context.Context) error {
	return nil
}
