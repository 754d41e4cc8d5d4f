package model

import "time"

// HealthStatus represents the aggregated health state of a region
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthSample is a single observation produced by one probe. A sample is
// emitted on every probe invocation, including timeouts and network errors
// (Success=false) - an uncounted sample is as dangerous as a false-healthy one.
type HealthSample struct {
	Region    RegionID      `json:"region"`
	ProbeID   string        `json:"probe_id"`
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"` // zero when the probe failed before measuring
}

// HealthVerdict is the live aggregated health state of a region. It is
// mutated only by the health aggregator; all other components receive copies.
type HealthVerdict struct {
	Region              RegionID     `json:"region"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"` // failing majority rounds in a row
	StableRounds        int          `json:"stable_rounds"`        // fully successful rounds in a row
	LastTransition      time.Time    `json:"last_transition"`
}
