package model

import "time"

// ServiceStatus represents the current status of the failover orchestrator
type ServiceStatus struct {
	Mode              OperatingMode   `json:"mode"`
	ActiveRegion      RegionID        `json:"active_region"`
	Frozen            bool            `json:"frozen"` // automation suspended (lost state store quorum)
	FailBackReady     bool            `json:"fail_back_ready"`
	FailBackConfirmed bool            `json:"fail_back_confirmed"`
	CurrentPlan       *CutoverPlan    `json:"current_plan,omitempty"`
	Verdicts          []HealthVerdict `json:"verdicts"`
	Lag               []LagEstimate   `json:"lag"`
	WorstLag          time.Duration   `json:"worst_lag"`
	WorstLagStale     bool            `json:"worst_lag_stale"`
	ManualQueueSize   int             `json:"manual_queue_size"`
	HeartbeatAge      time.Duration   `json:"heartbeat_age"`
	InstanceID        string          `json:"instance_id"`
}
