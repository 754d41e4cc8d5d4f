package model

import "time"

// WorkflowState is the lifecycle state of an in-flight workflow record.
type WorkflowState string

const (
	WorkflowRunning      WorkflowState = "running"
	WorkflowCompleted    WorkflowState = "completed"
	WorkflowAborted      WorkflowState = "aborted"
	WorkflowManualReview WorkflowState = "manual_review"
)

// Terminal reports whether the workflow needs no further reconciliation.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowAborted
}

// SideEffectStatus is the verified status of a workflow step's external side
// effect, determined through its idempotency token.
type SideEffectStatus string

const (
	SideEffectApplied    SideEffectStatus = "applied"
	SideEffectNotApplied SideEffectStatus = "not_applied"
	SideEffectUnknown    SideEffectStatus = "unknown"
)

// WorkflowExecutionRecord tracks a multi-step workflow across a cutover. The
// idempotency token guarantees at-most-once execution of the side-effecting
// step even if it is replayed after a region switch.
type WorkflowExecutionRecord struct {
	WorkflowID             string        `json:"workflow_id"`
	Region                 RegionID      `json:"region"`
	LastCompletedStepIndex int           `json:"last_completed_step_index"`
	IdempotencyToken       string        `json:"idempotency_token"`
	State                  WorkflowState `json:"state"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// ReconcileReport summarizes one reconciliation pass over a region's
// in-flight workflows.
type ReconcileReport struct {
	Region     RegionID  `json:"region"`
	Resumed    []string  `json:"resumed"`      // side effect confirmed applied, resumed from next step
	Retried    []string  `json:"retried"`      // side effect confirmed not applied, safely retried
	Manual     []string  `json:"manual"`       // side effect unknown, flagged for manual resolution
	Errors     []string  `json:"errors"`       // per-workflow reconciliation failures
	FinishedAt time.Time `json:"finished_at"`
}
