package cutover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altafin/dr-orchestrator/internal/alert"
	"github.com/altafin/dr-orchestrator/internal/concurrent"
	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/metrics"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/repository"
)

var (
	// ErrPlanCommitted is returned when cancelling a plan whose side effects
	// have already started landing. Such a plan must run to a terminal outcome.
	ErrPlanCommitted = errors.New("plan has committed side effects and cannot be cancelled")

	// ErrNoActivePlan is returned when cancelling while no plan is executing.
	ErrNoActivePlan = errors.New("no plan is currently executing")
)

// Reconciler reconciles in-flight workflows after traffic lands in a region
type Reconciler interface {
	Reconcile(ctx context.Context, region model.RegionID) (*model.ReconcileReport, error)
}

// LagSource reports the worst replication lag across all tracked stores
type LagSource interface {
	WorstLag() (time.Duration, bool)
}

// step names in execution order
const (
	stepDrainSource       = "drain-source-region"
	stepWaitLagDrain      = "wait-replication-drain"
	stepPromoteStores     = "promote-stores"
	stepRedirectTraffic   = "redirect-traffic"
	stepReconcileInFlight = "reconcile-workflows"
)

// execution tracks the in-flight plan and its cancellation flag
type execution struct {
	plan      *model.CutoverPlan
	cancelled bool
}

// Coordinator executes cutover plans: the ordered, halt-on-failure sequence
// that moves write traffic from one region to the other. Steps are idempotent
// so an operator can retry a partial plan, and the whole plan record is
// persisted after every step.
type Coordinator struct {
	router     repository.Router
	stores     []repository.ReplicatedStore
	reconciler Reconciler
	lag        LagSource
	state      repository.StateRepository
	engineCfg  config.EngineConfig
	rpoBound   time.Duration
	notifier   alert.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	current *execution
}

// NewCoordinator creates a cutover coordinator
func NewCoordinator(router repository.Router, stores []repository.ReplicatedStore, reconciler Reconciler, lag LagSource, state repository.StateRepository, engineCfg config.EngineConfig, rpoBound time.Duration, notifier alert.Notifier, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		router:     router,
		stores:     stores,
		reconciler: reconciler,
		lag:        lag,
		state:      state,
		engineCfg:  engineCfg,
		rpoBound:   rpoBound,
		notifier:   notifier,
		metrics:    m,
		logger:     logger,
	}
}

// NewPlan builds a plan for moving traffic from source to target. The step
// list is fixed at creation; only execution progress mutates afterwards.
func NewPlan(fromMode, toMode model.OperatingMode, source, target model.RegionID) *model.CutoverPlan {
	names := []struct {
		name          string
		sideEffecting bool
	}{
		{stepDrainSource, true},
		{stepWaitLagDrain, false},
		{stepPromoteStores, true},
		{stepRedirectTraffic, true},
		{stepReconcileInFlight, true},
	}

	steps := make([]model.PlanStep, len(names))
	for i, n := range names {
		steps[i] = model.PlanStep{
			Index:         i,
			Name:          n.name,
			SideEffecting: n.sideEffecting,
			Status:        model.StepPending,
		}
	}

	return &model.CutoverPlan{
		ID:                 uuid.New().String(),
		FromMode:           fromMode,
		ToMode:             toMode,
		SourceRegion:       source,
		TargetRegion:       target,
		CreatedAt:          time.Now(),
		Status:             model.PlanPending,
		Steps:              steps,
		LastSuccessfulStep: -1,
	}
}

// Execute runs the plan to a terminal status and returns that status. The
// returned error is the step failure that stopped the plan, nil on success or
// cancellation.
func (c *Coordinator) Execute(ctx context.Context, plan *model.CutoverPlan) (model.PlanStatus, error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("plan %s is already executing", c.current.plan.ID)
	}
	exec := &execution{plan: plan}
	c.current = exec
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	plan.Status = model.PlanRunning
	if err := c.state.WritePlan(ctx, plan); err != nil {
		c.logger.Error("failed to persist plan", slog.String("error", err.Error()))
	}

	c.logger.Info("executing cutover plan",
		slog.String("plan_id", plan.ID),
		slog.String("source", plan.SourceRegion.String()),
		slog.String("target", plan.TargetRegion.String()),
	)

	var stepErr error
	for i := range plan.Steps {
		// A cancel that raced with a committing step is ignored: once a side
		// effect landed the plan runs to completion.
		if c.isCancelled(exec) && !plan.Committed() {
			c.finish(ctx, plan, model.PlanCancelled, "cancelled by operator")
			return model.PlanCancelled, nil
		}

		if stepErr = c.runStep(ctx, plan, i); stepErr != nil {
			break
		}
	}

	if stepErr != nil {
		status := model.PlanFailed
		if plan.Committed() {
			status = model.PlanPartial
		}
		c.finish(ctx, plan, status, stepErr.Error())
		c.notifier.Notify(alert.SeverityCritical,
			fmt.Sprintf("cutover plan %s finished %s: %v", plan.ID, status, stepErr))
		return status, stepErr
	}

	c.finish(ctx, plan, model.PlanSucceeded, "")
	c.notifier.Notify(alert.SeverityInfo,
		fmt.Sprintf("cutover plan %s succeeded, traffic now in region %s", plan.ID, plan.TargetRegion))
	return model.PlanSucceeded, nil
}

// Cancel requests cancellation of the executing plan. Once any side-effecting
// step has succeeded the plan is committed and can no longer be abandoned.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return ErrNoActivePlan
	}
	if c.current.plan.Committed() {
		return ErrPlanCommitted
	}

	c.current.cancelled = true
	c.logger.Info("plan cancellation requested",
		slog.String("plan_id", c.current.plan.ID),
	)
	return nil
}

func (c *Coordinator) isCancelled(exec *execution) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return exec.cancelled
}

// runStep executes one plan step, records its outcome, and persists the plan
func (c *Coordinator) runStep(ctx context.Context, plan *model.CutoverPlan, index int) error {
	step := &plan.Steps[index]
	step.Status = model.StepRunning
	step.StartedAt = time.Now()
	if err := c.state.WritePlan(ctx, plan); err != nil {
		c.logger.Error("failed to persist plan", slog.String("error", err.Error()))
	}

	c.logger.Info("executing plan step",
		slog.String("plan_id", plan.ID),
		slog.String("step", step.Name),
	)

	var err error
	switch step.Name {
	case stepDrainSource:
		err = c.router.DrainRegion(ctx, plan.SourceRegion)
	case stepWaitLagDrain:
		err = c.waitLagDrain(ctx)
	case stepPromoteStores:
		err = c.promoteStores(ctx, plan.TargetRegion)
	case stepRedirectTraffic:
		err = c.router.SetActiveRegion(ctx, plan.TargetRegion)
	case stepReconcileInFlight:
		err = c.reconcileWorkflows(ctx, plan.TargetRegion)
	default:
		err = fmt.Errorf("unknown plan step %q", step.Name)
	}

	step.FinishedAt = time.Now()
	if err != nil {
		step.Status = model.StepFailed
		step.Error = err.Error()
		if c.metrics != nil {
			c.metrics.RecordPlanStep(step.Name, "failed")
		}
		c.logger.Error("plan step failed",
			slog.String("plan_id", plan.ID),
			slog.String("step", step.Name),
			slog.String("error", err.Error()),
		)
	} else {
		step.Status = model.StepSucceeded
		plan.LastSuccessfulStep = index
		if c.metrics != nil {
			c.metrics.RecordPlanStep(step.Name, "succeeded")
		}
	}

	if persistErr := c.state.WritePlan(ctx, plan); persistErr != nil {
		c.logger.Error("failed to persist plan", slog.String("error", persistErr.Error()))
	}

	if err != nil {
		return fmt.Errorf("step %s: %w", step.Name, err)
	}
	return nil
}

// waitLagDrain polls the worst lag until it drops inside the recovery point
// bound. Stale estimates never count as drained. Hitting the timeout fails
// the step rather than cutting over with unverified data loss.
func (c *Coordinator) waitLagDrain(ctx context.Context) error {
	deadline := time.Now().Add(c.engineCfg.LagDrainTimeout)
	ticker := time.NewTicker(c.engineCfg.LagDrainPoll)
	defer ticker.Stop()

	for {
		worst, stale := c.lag.WorstLag()
		if !stale && worst < c.rpoBound {
			c.logger.Info("replication lag drained",
				slog.Duration("worst_lag", worst),
			)
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("replication lag did not drain within %s (worst %s, stale %t)",
				c.engineCfg.LagDrainTimeout, worst, stale)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// promoteStores promotes every replicated store in the target region, in
// parallel. All promotions must succeed; promotion is idempotent on the store
// side so a retry of a partial plan is safe.
func (c *Coordinator) promoteStores(ctx context.Context, target model.RegionID) error {
	results := concurrent.ParallelMap(ctx, c.stores, func(ctx context.Context, store repository.ReplicatedStore) (string, error) {
		return store.ID(), store.PromoteToWritable(ctx, target)
	})

	var errs []string
	for i, result := range results {
		if result.Error != nil {
			errs = append(errs, fmt.Sprintf("store %s: %v", c.stores[i].ID(), result.Error))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("store promotion failed: %v", errs)
	}
	return nil
}

// reconcileWorkflows runs the consistency guard over the target region.
// Workflows parked for manual review do not fail the step; only a failure of
// the reconciliation pass itself does.
func (c *Coordinator) reconcileWorkflows(ctx context.Context, target model.RegionID) error {
	report, err := c.reconciler.Reconcile(ctx, target)
	if err != nil {
		return err
	}

	if len(report.Errors) > 0 {
		c.logger.Warn("some workflows failed to reconcile",
			slog.Int("errors", len(report.Errors)),
		)
	}
	return nil
}

// finish stamps the terminal status and persists the final plan record
func (c *Coordinator) finish(ctx context.Context, plan *model.CutoverPlan, status model.PlanStatus, errMsg string) {
	plan.Status = status
	plan.FinishedAt = time.Now()
	plan.Error = errMsg

	if err := c.state.WritePlan(ctx, plan); err != nil {
		c.logger.Error("failed to persist terminal plan", slog.String("error", err.Error()))
	}

	if c.metrics != nil {
		c.metrics.RecordPlan(string(status), plan.FinishedAt.Sub(plan.CreatedAt))
	}

	c.logger.Info("cutover plan finished",
		slog.String("plan_id", plan.ID),
		slog.String("status", string(status)),
		slog.Int("last_successful_step", plan.LastSuccessfulStep),
	)
}
