package model

import "time"

// ReplicationLagSample is one lag report for a replicated data store.
type ReplicationLagSample struct {
	StoreID   string        `json:"store_id"`
	Region    RegionID      `json:"region"`
	Lag       time.Duration `json:"lag"`
	Timestamp time.Time     `json:"timestamp"`
}

// LagEstimate is the current rolling lag estimate for a store. Stale means no
// sample arrived within twice the expected reporting interval; a stale
// estimate must never be read as zero lag.
type LagEstimate struct {
	StoreID    string        `json:"store_id"`
	Lag        time.Duration `json:"lag"`
	Stale      bool          `json:"stale"`
	LastSample time.Time     `json:"last_sample"`
}
