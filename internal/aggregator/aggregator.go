package aggregator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/altafin/dr-orchestrator/internal/alert"
	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/metrics"
	"github.com/altafin/dr-orchestrator/internal/model"
)

// TransitionFunc is invoked after a region's aggregated status changes. It is
// called from the aggregator's own goroutine and must not block.
type TransitionFunc func(verdict model.HealthVerdict, previous model.HealthStatus)

// regionState is the aggregator's mutable per-region state. Only the
// aggregator goroutine touches it.
type regionState struct {
	probeIDs   map[string]bool
	round      map[string]model.HealthSample // samples of the in-progress round
	roundStart time.Time
	verdict    model.HealthVerdict
}

// Aggregator turns per-probe samples into one health verdict per region using
// quorum voting over closed rounds and asymmetric hysteresis. A round closes
// when every probe of the region has reported, or when the trailing window
// expires with probes missing; missing probes vote as failures. Health
// degrades after a few failing rounds but recovers only after a strictly
// longer run of clean rounds.
type Aggregator struct {
	cfg     config.AggregatorConfig
	samples <-chan model.HealthSample

	mu      sync.RWMutex
	regions map[model.RegionID]*regionState

	onTransition TransitionFunc
	notifier     alert.Notifier
	metrics      *metrics.Metrics
	logger       *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a health aggregator. All regions start healthy; the first
// verdict change only happens after enough closed rounds.
func New(cfg config.AggregatorConfig, probes []config.ProbeConfig, samples <-chan model.HealthSample, notifier alert.Notifier, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	regions := make(map[model.RegionID]*regionState)
	now := time.Now()
	for _, p := range probes {
		state, ok := regions[p.Region]
		if !ok {
			state = &regionState{
				probeIDs:   make(map[string]bool),
				round:      make(map[string]model.HealthSample),
				roundStart: now,
				verdict: model.HealthVerdict{
					Region:         p.Region,
					Status:         model.HealthStatusHealthy,
					LastTransition: now,
				},
			}
			regions[p.Region] = state
		}
		state.probeIDs[p.ID] = true
	}

	return &Aggregator{
		cfg:      cfg,
		samples:  samples,
		regions:  regions,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// OnTransition registers the transition callback. Must be called before Start.
func (a *Aggregator) OnTransition(fn TransitionFunc) {
	a.onTransition = fn
}

// Start launches the aggregation loop
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()

	a.logger.Info("health aggregator started",
		slog.Int("regions", len(a.regions)),
		slog.Int("failure_rounds", a.cfg.FailureRounds),
		slog.Int("recovery_rounds", a.cfg.RecoveryRounds),
	)
}

// Stop stops the aggregation loop and waits for it to exit
func (a *Aggregator) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	a.logger.Info("health aggregator stopped")
}

// Verdict returns a copy of the current verdict for a region
func (a *Aggregator) Verdict(region model.RegionID) (model.HealthVerdict, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, ok := a.regions[region]
	if !ok {
		return model.HealthVerdict{}, false
	}
	return state.verdict, true
}

// Verdicts returns copies of all current region verdicts
func (a *Aggregator) Verdicts() []model.HealthVerdict {
	a.mu.RLock()
	defer a.mu.RUnlock()

	verdicts := make([]model.HealthVerdict, 0, len(a.regions))
	for _, state := range a.regions {
		verdicts = append(verdicts, state.verdict)
	}
	return verdicts
}

// run is the single goroutine that mutates aggregation state. The ticker
// closes rounds whose window expired with probes still missing.
func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Window / 2)
	defer ticker.Stop()

	for {
		select {
		case sample := <-a.samples:
			a.ingest(sample)
		case <-ticker.C:
			a.closeExpiredRounds()
		case <-a.stopCh:
			return
		}
	}
}

// ingest records a sample into the region's in-progress round and closes the
// round once every probe has voted.
func (a *Aggregator) ingest(sample model.HealthSample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.regions[sample.Region]
	if !ok || !state.probeIDs[sample.ProbeID] {
		a.logger.Warn("dropping sample from unknown probe",
			slog.String("region", sample.Region.String()),
			slog.String("probe", sample.ProbeID),
		)
		return
	}

	// A repeat sample from the same probe replaces its earlier vote
	state.round[sample.ProbeID] = sample

	if len(state.round) == len(state.probeIDs) {
		a.closeRound(state)
	}
}

// closeExpiredRounds force-closes rounds older than the trailing window.
// Probes that never reported vote as failures: an unreachable probe is
// evidence, not noise.
func (a *Aggregator) closeExpiredRounds() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for _, state := range a.regions {
		if len(state.round) > 0 && now.Sub(state.roundStart) > a.cfg.Window {
			a.closeRound(state)
		}
	}
}

// closeRound tallies the round votes and applies the hysteresis rules.
// Caller holds the write lock.
func (a *Aggregator) closeRound(state *regionState) {
	total := len(state.probeIDs)
	successes := 0
	for _, sample := range state.round {
		if sample.Success {
			successes++
		}
	}
	failures := total - successes // missing probes count here

	state.round = make(map[string]model.HealthSample)
	state.roundStart = time.Now()

	v := &state.verdict
	switch {
	case failures*2 > total:
		// Failing majority
		v.ConsecutiveFailures++
		v.StableRounds = 0
	case failures == 0:
		v.ConsecutiveFailures = 0
		v.StableRounds++
	default:
		// Mixed round: breaks the failing streak without counting toward
		// recovery.
		v.ConsecutiveFailures = 0
		v.StableRounds = 0
	}

	previous := v.Status
	next := a.nextStatus(v)
	if next == previous {
		return
	}

	v.Status = next
	v.LastTransition = time.Now()
	if next == model.HealthStatusHealthy {
		v.ConsecutiveFailures = 0
		v.StableRounds = 0
	}

	a.logger.Info("region health transition",
		slog.String("region", v.Region.String()),
		slog.String("from", string(previous)),
		slog.String("to", string(next)),
		slog.Int("consecutive_failures", v.ConsecutiveFailures),
	)

	if a.metrics != nil {
		a.metrics.SetRegionHealth(v.Region.String(), healthLevel(next))
	}

	severity := alert.SeverityWarning
	if next == model.HealthStatusUnhealthy {
		severity = alert.SeverityCritical
	} else if next == model.HealthStatusHealthy {
		severity = alert.SeverityInfo
	}
	a.notifier.Notify(severity, "region "+v.Region.String()+" is now "+string(next))

	if a.onTransition != nil {
		a.onTransition(*v, previous)
	}
}

// nextStatus applies the asymmetric thresholds: a short run of failing rounds
// degrades, a longer one marks unhealthy, and recovery from either state
// demands a strictly longer run of clean rounds than the full down-path took.
func (a *Aggregator) nextStatus(v *model.HealthVerdict) model.HealthStatus {
	switch v.Status {
	case model.HealthStatusHealthy:
		if v.ConsecutiveFailures >= a.cfg.FailureRounds+a.cfg.UnhealthyRounds {
			return model.HealthStatusUnhealthy
		}
		if v.ConsecutiveFailures >= a.cfg.FailureRounds {
			return model.HealthStatusDegraded
		}
	case model.HealthStatusDegraded:
		if v.ConsecutiveFailures >= a.cfg.FailureRounds+a.cfg.UnhealthyRounds {
			return model.HealthStatusUnhealthy
		}
		if v.StableRounds >= a.cfg.RecoveryRounds {
			return model.HealthStatusHealthy
		}
	case model.HealthStatusUnhealthy:
		if v.StableRounds >= a.cfg.RecoveryRounds {
			return model.HealthStatusHealthy
		}
	}
	return v.Status
}

func healthLevel(status model.HealthStatus) float64 {
	switch status {
	case model.HealthStatusDegraded:
		return 1
	case model.HealthStatusUnhealthy:
		return 2
	default:
		return 0
	}
}
