package probe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/metrics"
	"github.com/altafin/dr-orchestrator/internal/model"
)

// Manager runs every probe on its own ticker and forwards samples to a sink.
// Probes never block each other: a slow probe only delays its own samples.
type Manager struct {
	probes    []Probe
	intervals map[string]time.Duration
	sink      chan<- model.HealthSample
	metrics   *metrics.Metrics
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a probe manager feeding samples into sink
func NewManager(probes []Probe, configs []config.ProbeConfig, sink chan<- model.HealthSample, m *metrics.Metrics, logger *slog.Logger) *Manager {
	intervals := make(map[string]time.Duration, len(configs))
	for _, cfg := range configs {
		intervals[cfg.ID] = cfg.Interval
	}

	return &Manager{
		probes:    probes,
		intervals: intervals,
		sink:      sink,
		metrics:   m,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches one goroutine per probe
func (m *Manager) Start() {
	for _, p := range m.probes {
		m.wg.Add(1)
		go m.run(p, m.intervals[p.ID()])
	}

	m.logger.Info("probe manager started",
		slog.Int("probes", len(m.probes)),
	)
}

// Stop stops all probe loops and waits for them to exit
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("probe manager stopped")
}

func (m *Manager) run(p Probe, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Probe immediately so the aggregator does not start blind
	m.check(p)

	for {
		select {
		case <-ticker.C:
			m.check(p)
		case <-m.stopCh:
			return
		}
	}
}

// check runs one probe invocation and always emits a sample, including on
// timeout or transport error.
func (m *Manager) check(p Probe) {
	ctx, cancel := context.WithTimeout(context.Background(), m.intervals[p.ID()])
	defer cancel()

	sample := p.Check(ctx)

	if m.metrics != nil {
		m.metrics.RecordProbeSample(sample.Region.String(), sample.ProbeID, sample.Success)
	}

	if !sample.Success {
		m.logger.Warn("probe observed failure",
			slog.String("probe", sample.ProbeID),
			slog.String("region", sample.Region.String()),
		)
	}

	select {
	case m.sink <- sample:
	case <-m.stopCh:
	}
}
