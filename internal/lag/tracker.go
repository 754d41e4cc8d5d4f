package lag

import (
	"sync"
	"time"

	"github.com/altafin/dr-orchestrator/internal/metrics"
	"github.com/altafin/dr-orchestrator/internal/model"
)

// Tracker maintains rolling replication lag estimates per store. Estimates go
// stale when no sample arrives within twice the expected reporting interval;
// a stale estimate is never read as zero lag.
type Tracker struct {
	mu             sync.RWMutex
	estimates      map[string]*model.LagEstimate
	reportInterval time.Duration
	metrics        *metrics.Metrics
}

// NewTracker creates a lag tracker for the given store IDs. Every configured
// store starts out stale until its first sample arrives.
func NewTracker(storeIDs []string, reportInterval time.Duration, m *metrics.Metrics) *Tracker {
	estimates := make(map[string]*model.LagEstimate, len(storeIDs))
	for _, id := range storeIDs {
		estimates[id] = &model.LagEstimate{
			StoreID: id,
			Stale:   true,
		}
	}

	return &Tracker{
		estimates:      estimates,
		reportInterval: reportInterval,
		metrics:        m,
	}
}

// Record ingests one lag sample. Samples older than the current estimate are
// dropped so delayed reports cannot roll an estimate backwards in time.
func (t *Tracker) Record(sample model.ReplicationLagSample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	est, ok := t.estimates[sample.StoreID]
	if !ok {
		est = &model.LagEstimate{StoreID: sample.StoreID}
		t.estimates[sample.StoreID] = est
	}

	if sample.Timestamp.Before(est.LastSample) {
		return
	}

	est.Lag = sample.Lag
	est.LastSample = sample.Timestamp
	est.Stale = false

	if t.metrics != nil {
		t.metrics.RecordLag(sample.StoreID, sample.Lag, false)
	}
}

// CurrentLag returns the current estimate for one store. The second return is
// false when the store is unknown.
func (t *Tracker) CurrentLag(storeID string) (model.LagEstimate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	est, ok := t.estimates[storeID]
	if !ok {
		return model.LagEstimate{}, false
	}

	return t.snapshot(est), true
}

// WorstLag returns the largest lag across all tracked stores and whether any
// estimate is stale. Callers deciding on failover safety must treat a stale
// result as a recovery point violation.
func (t *Tracker) WorstLag() (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var worst time.Duration
	anyStale := false
	for _, est := range t.estimates {
		snap := t.snapshot(est)
		if snap.Stale {
			anyStale = true
		}
		if snap.Lag > worst {
			worst = snap.Lag
		}
	}

	if t.metrics != nil {
		t.metrics.WorstLag.Set(worst.Seconds())
	}

	return worst, anyStale
}

// Estimates returns a snapshot of all per-store estimates
func (t *Tracker) Estimates() []model.LagEstimate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	estimates := make([]model.LagEstimate, 0, len(t.estimates))
	for _, est := range t.estimates {
		estimates = append(estimates, t.snapshot(est))
	}

	return estimates
}

// snapshot copies an estimate with staleness evaluated at read time. Requires
// at least a read lock held by the caller.
func (t *Tracker) snapshot(est *model.LagEstimate) model.LagEstimate {
	snap := *est
	if snap.LastSample.IsZero() || time.Since(snap.LastSample) > 2*t.reportInterval {
		snap.Stale = true
		if t.metrics != nil {
			t.metrics.RecordLag(snap.StoreID, snap.Lag, true)
		}
	}
	return snap
}
