package model

import "time"

// PlanStatus is the execution outcome of a cutover plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "PENDING"
	PlanRunning   PlanStatus = "RUNNING"
	PlanSucceeded PlanStatus = "SUCCEEDED"
	PlanFailed    PlanStatus = "FAILED"
	PlanPartial   PlanStatus = "PARTIAL"
	PlanCancelled PlanStatus = "CANCELLED"
)

// Terminal reports whether the plan has reached a terminal outcome.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanSucceeded, PlanFailed, PlanPartial, PlanCancelled:
		return true
	}
	return false
}

// StepStatus is the execution state of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
)

// PlanStep records the outcome of one ordered, idempotent cutover action.
type PlanStep struct {
	Index         int        `json:"index"`
	Name          string     `json:"name"`
	SideEffecting bool       `json:"side_effecting"` // once such a step succeeds the plan is committed
	Status        StepStatus `json:"status"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
	FinishedAt    time.Time  `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// CutoverPlan describes one transition attempt. The plan definition (from/to
// mode, target region, step list) is immutable once created; only execution
// progress is updated, and the whole record is persisted after every step for
// audit and retry.
type CutoverPlan struct {
	ID                 string        `json:"id"`
	FromMode           OperatingMode `json:"from_mode"`
	ToMode             OperatingMode `json:"to_mode"`
	SourceRegion       RegionID      `json:"source_region"`
	TargetRegion       RegionID      `json:"target_region"`
	CreatedAt          time.Time     `json:"created_at"`
	FinishedAt         time.Time     `json:"finished_at,omitempty"`
	Status             PlanStatus    `json:"status"`
	Steps              []PlanStep    `json:"steps"`
	LastSuccessfulStep int           `json:"last_successful_step"` // -1 when no step has succeeded
	Error              string        `json:"error,omitempty"`
}

// Committed reports whether any side-effecting step has already succeeded.
// A committed plan can no longer be cancelled; it must run to a terminal
// outcome.
func (p *CutoverPlan) Committed() bool {
	for _, s := range p.Steps {
		if s.SideEffecting && s.Status == StepSucceeded {
			return true
		}
	}
	return false
}
