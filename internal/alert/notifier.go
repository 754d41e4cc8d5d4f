package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/altafin/dr-orchestrator/internal/metrics"
)

// Severity classifies an alert for the downstream notification sink.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier delivers alerts to an external sink. Delivery is fire-and-forget
// and best-effort: a failing sink must never block or fail the decision
// engine.
type Notifier interface {
	Notify(severity Severity, message string)
}

// WebhookNotifier posts alerts to an HTTP webhook in a background goroutine.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWebhookNotifier creates a webhook-backed notifier. An empty URL yields a
// notifier that only logs.
func NewWebhookNotifier(url string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		metrics: m,
		logger:  logger,
	}
}

type webhookPayload struct {
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notify logs the alert and, if a webhook is configured, delivers it
// asynchronously. Errors are logged and dropped.
func (n *WebhookNotifier) Notify(severity Severity, message string) {
	n.logger.Info("alert",
		slog.String("severity", string(severity)),
		slog.String("message", message),
	)

	if n.metrics != nil {
		n.metrics.RecordAlert(string(severity))
	}

	if n.url == "" {
		return
	}

	payload := webhookPayload{
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
	}

	go func() {
		if err := n.post(payload); err != nil {
			n.logger.Warn("failed to deliver alert to webhook",
				slog.String("severity", string(severity)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (n *WebhookNotifier) post(payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// NopNotifier discards all alerts. Used in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(Severity, string) {}
