package model

import "time"

// OperatingMode is the process-wide operating mode of the failover
// orchestrator. Exactly one mode is current at any time; it is owned
// exclusively by the decision engine and persisted so that a restart does not
// forget the last known mode.
type OperatingMode string

const (
	ModePrimaryActive   OperatingMode = "PRIMARY_ACTIVE"
	ModeDegraded        OperatingMode = "DEGRADED"
	ModeFailoverPending OperatingMode = "FAILOVER_PENDING"
	ModeSecondaryActive OperatingMode = "SECONDARY_ACTIVE"
	ModeRecovering      OperatingMode = "RECOVERING"
)

// Valid reports whether the mode is one of the known operating modes.
func (m OperatingMode) Valid() bool {
	switch m {
	case ModePrimaryActive, ModeDegraded, ModeFailoverPending, ModeSecondaryActive, ModeRecovering:
		return true
	}
	return false
}

// PersistedState is the durable record of the engine's last decided mode.
type PersistedState struct {
	Mode         OperatingMode `json:"mode"`
	ActiveRegion RegionID      `json:"active_region"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Reason       string        `json:"reason"`
}

// InstanceHeartbeat records liveness of an orchestrator instance. A fresh
// heartbeat from a different instance at startup means another orchestrator
// may still be running.
type InstanceHeartbeat struct {
	InstanceID string    `json:"instance_id"`
	LastSeen   time.Time `json:"last_seen"`
}

// IsStale checks if the heartbeat is older than the given threshold
func (h *InstanceHeartbeat) IsStale(threshold time.Duration) bool {
	return time.Since(h.LastSeen) > threshold
}

// Age returns the age of the heartbeat
func (h *InstanceHeartbeat) Age() time.Duration {
	return time.Since(h.LastSeen)
}
