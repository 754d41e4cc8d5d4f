package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/model"
)

const testRegion = model.RegionID("eu-west")

func httpProbeConfig(url string) config.ProbeConfig {
	return config.ProbeConfig{
		ID:       "probe-a",
		Region:   testRegion,
		Kind:     "http",
		URL:      url,
		Interval: time.Second,
		Timeout:  time.Second,
	}
}

func TestHTTPProbeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewHTTPProbe(httpProbeConfig(server.URL))
	sample := p.Check(context.Background())

	assert.True(t, sample.Success)
	assert.Equal(t, testRegion, sample.Region)
	assert.Equal(t, "probe-a", sample.ProbeID)
	assert.Greater(t, sample.Latency, time.Duration(0))
}

func TestHTTPProbeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewHTTPProbe(httpProbeConfig(server.URL))
	sample := p.Check(context.Background())

	assert.False(t, sample.Success)
}

func TestHTTPProbeUnreachableEmitsFailureSample(t *testing.T) {
	// A dead endpoint still produces a sample; it just votes failure
	p := NewHTTPProbe(httpProbeConfig("http://127.0.0.1:1"))
	sample := p.Check(context.Background())

	assert.False(t, sample.Success)
	assert.Equal(t, "probe-a", sample.ProbeID)
	assert.False(t, sample.Timestamp.IsZero())
}

func TestHTTPProbeTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	cfg := httpProbeConfig(server.URL)
	cfg.Timeout = 20 * time.Millisecond

	p := NewHTTPProbe(cfg)
	sample := p.Check(context.Background())

	assert.False(t, sample.Success)
}

type fakeRouter struct {
	healthy bool
	err     error
}

func (f *fakeRouter) SetActiveRegion(ctx context.Context, region model.RegionID) error { return nil }
func (f *fakeRouter) DrainRegion(ctx context.Context, region model.RegionID) error     { return nil }

func (f *fakeRouter) HealthCheckStatus(ctx context.Context, region model.RegionID) (bool, error) {
	return f.healthy, f.err
}

func TestRoutingProbe(t *testing.T) {
	cfg := config.ProbeConfig{
		ID:      "probe-routing",
		Region:  testRegion,
		Kind:    "routing",
		Timeout: time.Second,
	}

	p := NewRoutingProbe(cfg, &fakeRouter{healthy: true})
	assert.True(t, p.Check(context.Background()).Success)

	p = NewRoutingProbe(cfg, &fakeRouter{healthy: false})
	assert.False(t, p.Check(context.Background()).Success)

	p = NewRoutingProbe(cfg, &fakeRouter{err: context.DeadlineExceeded})
	assert.False(t, p.Check(context.Background()).Success)
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	_, err := Build([]config.ProbeConfig{
		{ID: "probe-a", Region: testRegion, Kind: "icmp"},
	}, &fakeRouter{})

	require.Error(t, err)
}

func TestBuildMixedKinds(t *testing.T) {
	probes, err := Build([]config.ProbeConfig{
		{ID: "probe-a", Region: testRegion, Kind: "http", URL: "http://example.invalid/health"},
		{ID: "probe-b", Region: testRegion, Kind: "routing"},
	}, &fakeRouter{})

	require.NoError(t, err)
	require.Len(t, probes, 2)
	assert.Equal(t, "probe-a", probes[0].ID())
	assert.Equal(t, "probe-b", probes[1].ID())
}
