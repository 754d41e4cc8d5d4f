package alert

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altafin/dr-orchestrator/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyDeliversWebhookPayload(t *testing.T) {
	received := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, time.Second, nil, testLogger())
	n.Notify(SeverityCritical, "primary region is unhealthy")

	select {
	case payload := <-received:
		assert.Equal(t, SeverityCritical, payload.Severity)
		assert.Equal(t, "primary region is unhealthy", payload.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestNotifyCountsAlertsBySeverity(t *testing.T) {
	m := metrics.New()
	n := NewWebhookNotifier("", time.Second, m, testLogger())

	n.Notify(SeverityCritical, "store heartbeat failed")
	n.Notify(SeverityCritical, "store heartbeat still failing")
	n.Notify(SeverityInfo, "store heartbeat recovered")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues(string(SeverityCritical))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues(string(SeverityInfo))))
}
