package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/repository"
)

// Probe is one independent health check against a region. Check returns
// whether the region looked healthy from this probe's vantage point and the
// observed latency; transport errors and timeouts are reported as a failed
// observation, not as a probe error.
type Probe interface {
	ID() string
	Region() model.RegionID
	Check(ctx context.Context) model.HealthSample
}

// httpProbe checks a region health endpoint over HTTP
type httpProbe struct {
	id     string
	region model.RegionID
	url    string
	client *http.Client
}

// NewHTTPProbe creates an HTTP health probe
func NewHTTPProbe(cfg config.ProbeConfig) Probe {
	return &httpProbe{
		id:     cfg.ID,
		region: cfg.Region,
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *httpProbe) ID() string             { return p.id }
func (p *httpProbe) Region() model.RegionID { return p.region }

// Check performs one HTTP health check. Any transport error, timeout, or
// non-2xx status is a failed sample.
func (p *httpProbe) Check(ctx context.Context) model.HealthSample {
	sample := model.HealthSample{
		Region:    p.region,
		ProbeID:   p.id,
		Timestamp: time.Now(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return sample
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return sample
	}
	defer resp.Body.Close()

	sample.Latency = time.Since(start)
	sample.Success = resp.StatusCode >= 200 && resp.StatusCode < 300

	return sample
}

// routingProbe checks the region's routing layer through the router
type routingProbe struct {
	id      string
	region  model.RegionID
	router  repository.Router
	timeout time.Duration
}

// NewRoutingProbe creates a probe backed by the routing layer's own health
// status. It provides a vantage point independent of the HTTP probes' network
// path.
func NewRoutingProbe(cfg config.ProbeConfig, router repository.Router) Probe {
	return &routingProbe{
		id:      cfg.ID,
		region:  cfg.Region,
		router:  router,
		timeout: cfg.Timeout,
	}
}

func (p *routingProbe) ID() string             { return p.id }
func (p *routingProbe) Region() model.RegionID { return p.region }

func (p *routingProbe) Check(ctx context.Context) model.HealthSample {
	sample := model.HealthSample{
		Region:    p.region,
		ProbeID:   p.id,
		Timestamp: time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	healthy, err := p.router.HealthCheckStatus(ctx, p.region)
	if err != nil {
		return sample
	}

	sample.Latency = time.Since(start)
	sample.Success = healthy

	return sample
}

// Build constructs all configured probes
func Build(configs []config.ProbeConfig, router repository.Router) ([]Probe, error) {
	probes := make([]Probe, 0, len(configs))
	for i, cfg := range configs {
		switch cfg.Kind {
		case "http":
			probes = append(probes, NewHTTPProbe(cfg))
		case "routing":
			probes = append(probes, NewRoutingProbe(cfg, router))
		default:
			return nil, fmt.Errorf("probes[%d]: unknown kind %q", i, cfg.Kind)
		}
	}
	return probes, nil
}
