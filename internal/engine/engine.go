package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altafin/dr-orchestrator/internal/alert"
	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/cutover"
	"github.com/altafin/dr-orchestrator/internal/metrics"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/repository"
)

var (
	// ErrPlanInProgress is returned when a mode transition is requested while
	// a cutover plan is still executing.
	ErrPlanInProgress = errors.New("a cutover plan is already in progress")

	// ErrFrozen is returned when automation is suspended and an automated
	// transition is requested.
	ErrFrozen = errors.New("automation is frozen")

	// ErrNotFailBackReady is returned when confirming fail-back before the
	// primary region satisfies the fail-back conditions.
	ErrNotFailBackReady = errors.New("primary region is not ready for fail-back")
)

// HealthSource provides aggregated region health verdicts
type HealthSource interface {
	Verdict(region model.RegionID) (model.HealthVerdict, bool)
	Verdicts() []model.HealthVerdict
}

// LagSource provides replication lag estimates
type LagSource interface {
	WorstLag() (time.Duration, bool)
	Estimates() []model.LagEstimate
}

// ManualQueue reports workflows awaiting manual reconciliation
type ManualQueue interface {
	OutstandingManual(ctx context.Context) (int, error)
}

// PlanExecutor executes and cancels cutover plans
type PlanExecutor interface {
	Execute(ctx context.Context, plan *model.CutoverPlan) (model.PlanStatus, error)
	Cancel() error
}

// allModes is used to publish the mode gauge
var allModes = []string{
	string(model.ModePrimaryActive),
	string(model.ModeDegraded),
	string(model.ModeFailoverPending),
	string(model.ModeSecondaryActive),
	string(model.ModeRecovering),
}

// Engine is the failover decision engine. It is the only component that
// changes the operating mode: it consumes health verdicts and lag estimates,
// decides when a cutover is both necessary and safe, and hands the mechanics
// to the coordinator. Every decided mode is persisted before it takes effect
// so a restart resumes from the last decision instead of guessing.
type Engine struct {
	cfg        *config.Config
	instanceID string

	state    repository.StateRepository
	health   HealthSource
	lag      LagSource
	manual   ManualQueue
	executor PlanExecutor
	notifier alert.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// mu guards everything below. Mode and current plan are read and written
	// together; splitting the lock would allow a decision against a torn view.
	mu                sync.Mutex
	mode              model.OperatingMode
	activeRegion      model.RegionID
	currentPlan       *model.CutoverPlan
	failBackConfirmed bool

	frozenByPeer  bool
	frozenByStore bool

	primaryDownSince time.Time
	rtoAlerted       bool
	noTargetAlerted  bool

	heartbeatFailures int
	lastHeartbeat     time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the decision engine. Call Reconcile before Start.
func New(cfg *config.Config, state repository.StateRepository, health HealthSource, lag LagSource, manual ManualQueue, executor PlanExecutor, notifier alert.Notifier, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		instanceID:   uuid.New().String(),
		state:        state,
		health:       health,
		lag:          lag,
		manual:       manual,
		executor:     executor,
		notifier:     notifier,
		metrics:      m,
		logger:       logger,
		mode:         model.ModePrimaryActive,
		activeRegion: cfg.Regions.Primary,
		stopCh:       make(chan struct{}),
	}
}

// Reconcile restores the engine's durable state after a restart: the last
// decided mode, any plan that was cut short mid-flight, and evidence of
// another orchestrator instance still holding the heartbeat.
func (e *Engine) Reconcile(ctx context.Context) error {
	state, err := e.state.ReadState(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// First start: assume the configured primary is active
		e.logger.Info("no persisted mode found, starting in primary-active")
		if err := e.persistMode(ctx, model.ModePrimaryActive, e.cfg.Regions.Primary, "initial startup"); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to read persisted mode: %w", err)
	default:
		if !state.Mode.Valid() {
			return fmt.Errorf("persisted mode %q is not a known operating mode", state.Mode)
		}
		e.mode = state.Mode
		e.activeRegion = state.ActiveRegion
		e.logger.Info("restored persisted mode",
			slog.String("mode", string(state.Mode)),
			slog.String("active_region", state.ActiveRegion.String()),
		)
	}

	// A plan that was running when the previous process died is never
	// resumed blindly: its real progress is unknowable from here. It is
	// closed as partial and left for an operator.
	plan, err := e.state.ReadCurrentPlan(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to read current plan: %w", err)
	}
	if plan != nil && !plan.Status.Terminal() {
		plan.Status = model.PlanPartial
		plan.FinishedAt = time.Now()
		plan.Error = "orchestrator restarted while the plan was executing"
		if err := e.state.WritePlan(ctx, plan); err != nil {
			return fmt.Errorf("failed to close interrupted plan: %w", err)
		}
		e.notifier.Notify(alert.SeverityCritical,
			fmt.Sprintf("plan %s was interrupted by a restart and closed as partial, manual review required", plan.ID))
	}

	// A mid-transition mode with no plan left to finish cannot make progress:
	// the evaluation loop would wait forever for a plan outcome that never
	// arrives. This covers both an interrupted plan closed above and a crash
	// in the window between the mode write and the first plan write.
	if e.mode == model.ModeFailoverPending || e.mode == model.ModeRecovering {
		demoted := model.ModeDegraded
		if e.mode == model.ModeRecovering {
			// An interrupted fail-back leaves the secondary serving traffic
			demoted = model.ModeSecondaryActive
		}
		e.notifier.Notify(alert.SeverityCritical,
			fmt.Sprintf("restarted in mid-transition mode %s with no plan running, dropping to %s", e.mode, demoted))
		if err := e.persistMode(ctx, demoted, e.activeRegion, "interrupted transition"); err != nil {
			return err
		}
	}

	// A fresh heartbeat from another instance means a second orchestrator
	// may still be alive. Automation stays frozen until it goes stale.
	heartbeat, err := e.state.ReadHeartbeat(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to read heartbeat: %w", err)
	}
	if heartbeat != nil && heartbeat.InstanceID != e.instanceID && !heartbeat.IsStale(e.cfg.Heartbeat.StaleThreshold) {
		e.frozenByPeer = true
		e.notifier.Notify(alert.SeverityCritical,
			fmt.Sprintf("another orchestrator instance %s holds a fresh heartbeat (age %s), automation frozen",
				heartbeat.InstanceID, heartbeat.Age().Round(time.Second)))
	}

	if e.metrics != nil {
		e.metrics.SetMode(string(e.mode), allModes)
	}

	return nil
}

// Start launches the evaluation and heartbeat loops
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.evaluateLoop()
	go e.heartbeatLoop()

	e.logger.Info("decision engine started",
		slog.String("instance_id", e.instanceID),
		slog.String("mode", string(e.mode)),
	)
}

// Stop stops the engine loops and waits for them to exit
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("decision engine stopped")
}

// OnHealthTransition is wired as the aggregator's transition callback so a
// verdict change triggers an immediate evaluation instead of waiting for the
// next tick.
func (e *Engine) OnHealthTransition(verdict model.HealthVerdict, previous model.HealthStatus) {
	go e.Evaluate(context.Background())
}

func (e *Engine) evaluateLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Engine.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Evaluate(context.Background())
		case <-e.stopCh:
			return
		}
	}
}

// Evaluate runs one decision cycle
func (e *Engine) Evaluate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozenByPeer || e.frozenByStore {
		e.logger.Debug("skipping evaluation, automation is frozen")
		return
	}
	if e.currentPlan != nil {
		// A transition is in flight; the plan outcome decides the next mode.
		// A failover still running past the recovery time deadline escalates.
		if e.mode == model.ModeFailoverPending && !e.rtoAlerted &&
			!e.primaryDownSince.IsZero() && time.Since(e.primaryDownSince) > e.cfg.Engine.RTODeadline {
			e.rtoAlerted = true
			e.notifier.Notify(alert.SeverityCritical,
				fmt.Sprintf("recovery time deadline %s exceeded, failover plan %s has not succeeded yet",
					e.cfg.Engine.RTODeadline, e.currentPlan.ID))
		}
		return
	}

	primary, okP := e.health.Verdict(e.cfg.Regions.Primary)
	secondary, okS := e.health.Verdict(e.cfg.Regions.Secondary)
	if !okP || !okS {
		e.logger.Warn("missing health verdicts, skipping evaluation")
		return
	}

	switch e.mode {
	case model.ModePrimaryActive:
		e.evaluatePrimaryActive(ctx, primary, secondary)
	case model.ModeDegraded:
		e.evaluateDegraded(ctx, primary, secondary)
	case model.ModeSecondaryActive:
		e.evaluateSecondaryActive(ctx, primary)
	}
}

// evaluatePrimaryActive handles the healthy steady state
func (e *Engine) evaluatePrimaryActive(ctx context.Context, primary, secondary model.HealthVerdict) {
	switch primary.Status {
	case model.HealthStatusDegraded:
		e.setMode(ctx, model.ModeDegraded, e.activeRegion, "primary region degraded")
	case model.HealthStatusUnhealthy:
		e.setMode(ctx, model.ModeDegraded, e.activeRegion, "primary region unhealthy")
		e.considerFailover(ctx, secondary)
	default:
		e.primaryDownSince = time.Time{}
		e.rtoAlerted = false
		e.noTargetAlerted = false
	}
}

// evaluateDegraded decides between recovery and failover
func (e *Engine) evaluateDegraded(ctx context.Context, primary, secondary model.HealthVerdict) {
	switch primary.Status {
	case model.HealthStatusHealthy:
		e.primaryDownSince = time.Time{}
		e.rtoAlerted = false
		e.noTargetAlerted = false
		e.setMode(ctx, model.ModePrimaryActive, e.activeRegion, "primary region recovered")
	case model.HealthStatusUnhealthy:
		e.considerFailover(ctx, secondary)
	}
}

// considerFailover starts a failover when the secondary is a safe target.
// The recovery time deadline only escalates alerting; it never overrides the
// safety gates. Caller holds the lock.
func (e *Engine) considerFailover(ctx context.Context, secondary model.HealthVerdict) {
	if e.primaryDownSince.IsZero() {
		e.primaryDownSince = time.Now()
	}

	worst, stale := e.lag.WorstLag()

	var blocker string
	switch {
	case secondary.Status != model.HealthStatusHealthy:
		blocker = fmt.Sprintf("secondary region is %s", secondary.Status)
	case stale:
		// Unverifiable lag is a recovery point violation, not zero lag
		blocker = "replication lag estimate is stale"
	case worst >= e.cfg.Lag.RPOBound:
		// The bound itself is not safe: lag must be strictly below it
		blocker = fmt.Sprintf("replication lag %s is not below recovery point bound %s", worst, e.cfg.Lag.RPOBound)
	}

	if blocker != "" {
		if !e.noTargetAlerted {
			e.noTargetAlerted = true
			e.notifier.Notify(alert.SeverityCritical,
				"primary region is unhealthy but failover is blocked: "+blocker)
		}
		if !e.rtoAlerted && time.Since(e.primaryDownSince) > e.cfg.Engine.RTODeadline {
			e.rtoAlerted = true
			e.notifier.Notify(alert.SeverityCritical,
				fmt.Sprintf("recovery time deadline %s exceeded, primary down since %s and no safe failover target",
					e.cfg.Engine.RTODeadline, e.primaryDownSince.Format(time.RFC3339)))
		}
		return
	}

	e.noTargetAlerted = false
	e.startPlanLocked(ctx, model.ModeFailoverPending,
		cutover.NewPlan(e.mode, model.ModeSecondaryActive, e.cfg.Regions.Primary, e.cfg.Regions.Secondary),
		"failover to secondary region")
}

// evaluateSecondaryActive watches for fail-back readiness. Fail-back is never
// automatic unless explicitly configured: a healthy-again primary proved
// nothing about the next hour.
func (e *Engine) evaluateSecondaryActive(ctx context.Context, primary model.HealthVerdict) {
	ready, reason := e.failBackReadyLocked(ctx, primary)
	if !ready {
		e.logger.Debug("fail-back not ready", slog.String("reason", reason))
		e.failBackConfirmed = false
		return
	}

	if !e.cfg.Engine.AutoFailBack && !e.failBackConfirmed {
		return
	}

	e.failBackConfirmed = false
	e.startPlanLocked(ctx, model.ModeRecovering,
		cutover.NewPlan(e.mode, model.ModePrimaryActive, e.cfg.Regions.Secondary, e.cfg.Regions.Primary),
		"fail-back to primary region")
}

// failBackReadyLocked checks the fail-back gates. Caller holds the lock.
func (e *Engine) failBackReadyLocked(ctx context.Context, primary model.HealthVerdict) (bool, string) {
	if primary.Status != model.HealthStatusHealthy {
		return false, fmt.Sprintf("primary region is %s", primary.Status)
	}

	worst, stale := e.lag.WorstLag()
	if stale {
		return false, "replication lag estimate is stale"
	}
	if worst >= e.cfg.Lag.RPOBound {
		return false, fmt.Sprintf("replication lag %s is not below recovery point bound", worst)
	}

	outstanding, err := e.manual.OutstandingManual(ctx)
	if err != nil {
		return false, fmt.Sprintf("cannot verify manual reconciliation queue: %v", err)
	}
	if outstanding > 0 {
		return false, fmt.Sprintf("%d workflows still await manual reconciliation", outstanding)
	}

	return true, ""
}

// startPlanLocked transitions into a pending mode and executes the plan in a
// background goroutine. Caller holds the lock.
func (e *Engine) startPlanLocked(ctx context.Context, pendingMode model.OperatingMode, plan *model.CutoverPlan, reason string) {
	e.setMode(ctx, pendingMode, e.activeRegion, reason)
	e.currentPlan = plan

	e.wg.Add(1)
	go e.runPlan(plan)
}

// runPlan executes a plan and applies its terminal outcome to the mode
func (e *Engine) runPlan(plan *model.CutoverPlan) {
	defer e.wg.Done()

	ctx := context.Background()
	status, err := e.executor.Execute(ctx, plan)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentPlan = nil

	switch status {
	case model.PlanSucceeded:
		e.primaryDownSince = time.Time{}
		e.rtoAlerted = false
		e.setMode(ctx, plan.ToMode, plan.TargetRegion, "plan "+plan.ID+" succeeded")
	case model.PlanCancelled:
		e.setMode(ctx, plan.FromMode, e.activeRegion, "plan "+plan.ID+" cancelled")
	default:
		// Failed or partial. Failover leaves the deployment degraded; a
		// failed fail-back means the secondary keeps serving.
		if plan.FromMode == model.ModeSecondaryActive {
			e.setMode(ctx, model.ModeSecondaryActive, e.activeRegion,
				fmt.Sprintf("fail-back plan %s finished %s", plan.ID, status))
		} else {
			e.setMode(ctx, model.ModeDegraded, e.activeRegion,
				fmt.Sprintf("plan %s finished %s", plan.ID, status))
		}
		if err != nil {
			e.logger.Error("plan execution failed",
				slog.String("plan_id", plan.ID),
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ConfirmFailBack records operator approval for the next fail-back. It is
// rejected while the primary does not satisfy the fail-back gates so a stale
// confirmation can never linger and fire later.
func (e *Engine) ConfirmFailBack(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozenByPeer || e.frozenByStore {
		return ErrFrozen
	}
	if e.mode != model.ModeSecondaryActive {
		return fmt.Errorf("fail-back can only be confirmed in %s, current mode is %s", model.ModeSecondaryActive, e.mode)
	}
	if e.currentPlan != nil {
		return ErrPlanInProgress
	}

	primary, ok := e.health.Verdict(e.cfg.Regions.Primary)
	if !ok {
		return ErrNotFailBackReady
	}
	if ready, reason := e.failBackReadyLocked(ctx, primary); !ready {
		return fmt.Errorf("%w: %s", ErrNotFailBackReady, reason)
	}

	e.failBackConfirmed = true
	e.logger.Info("fail-back confirmed by operator")

	e.startPlanLocked(ctx, model.ModeRecovering,
		cutover.NewPlan(e.mode, model.ModePrimaryActive, e.cfg.Regions.Secondary, e.cfg.Regions.Primary),
		"fail-back confirmed by operator")
	e.failBackConfirmed = false

	return nil
}

// CancelPlan requests cancellation of the in-flight plan
func (e *Engine) CancelPlan() error {
	e.mu.Lock()
	if e.currentPlan == nil {
		e.mu.Unlock()
		return cutover.ErrNoActivePlan
	}
	e.mu.Unlock()

	return e.executor.Cancel()
}

// setMode persists and applies a mode change. Caller holds the lock. A
// persistence failure aborts the change: an unpersisted mode would be
// forgotten by the next restart.
func (e *Engine) setMode(ctx context.Context, mode model.OperatingMode, activeRegion model.RegionID, reason string) {
	if e.mode == mode && e.activeRegion == activeRegion {
		return
	}

	if err := e.persistMode(ctx, mode, activeRegion, reason); err != nil {
		e.logger.Error("failed to persist mode change, keeping current mode",
			slog.String("attempted_mode", string(mode)),
			slog.String("error", err.Error()),
		)
		e.notifier.Notify(alert.SeverityCritical,
			"failed to persist operating mode change: "+err.Error())
		return
	}
}

// persistMode writes the state record and applies it in memory
func (e *Engine) persistMode(ctx context.Context, mode model.OperatingMode, activeRegion model.RegionID, reason string) error {
	record := &model.PersistedState{
		Mode:         mode,
		ActiveRegion: activeRegion,
		UpdatedAt:    time.Now(),
		Reason:       reason,
	}
	if err := e.state.WriteState(ctx, record); err != nil {
		return fmt.Errorf("failed to write operating mode: %w", err)
	}

	previous := e.mode
	e.mode = mode
	e.activeRegion = activeRegion

	if e.metrics != nil {
		e.metrics.SetMode(string(mode), allModes)
		if previous != mode {
			e.metrics.RecordTransition(string(previous), string(mode))
		}
	}

	e.logger.Info("operating mode changed",
		slog.String("from", string(previous)),
		slog.String("to", string(mode)),
		slog.String("active_region", activeRegion.String()),
		slog.String("reason", reason),
	)

	if previous != mode {
		severity := alert.SeverityWarning
		if mode == model.ModePrimaryActive {
			severity = alert.SeverityInfo
		}
		e.notifier.Notify(severity,
			fmt.Sprintf("operating mode changed from %s to %s: %s", previous, mode, reason))
	}

	return nil
}

// heartbeatLoop keeps the instance heartbeat fresh. Losing the state store
// for too long freezes automation: without the shared record another instance
// could already be making opposite decisions.
func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Heartbeat.UpdateInterval)
	defer ticker.Stop()

	e.beat()

	for {
		select {
		case <-ticker.C:
			e.beat()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Heartbeat.UpdateInterval)
	defer cancel()

	e.mu.Lock()
	frozenByPeer := e.frozenByPeer
	e.mu.Unlock()

	// While a peer holds the heartbeat, only watch for it to go stale
	if frozenByPeer {
		heartbeat, err := e.state.ReadHeartbeat(ctx)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("failed to read peer heartbeat", slog.String("error", err.Error()))
			return
		}
		if heartbeat != nil && heartbeat.InstanceID != e.instanceID && !heartbeat.IsStale(e.cfg.Heartbeat.StaleThreshold) {
			return
		}

		e.mu.Lock()
		e.frozenByPeer = false
		e.mu.Unlock()
		e.notifier.Notify(alert.SeverityInfo, "peer heartbeat went stale, taking over automation")
	}

	if err := e.state.WriteHeartbeat(ctx, e.instanceID); err != nil {
		e.mu.Lock()
		e.heartbeatFailures++
		failures := e.heartbeatFailures
		alreadyFrozen := e.frozenByStore
		if failures >= e.cfg.Heartbeat.MaxFailures {
			e.frozenByStore = true
		}
		frozen := e.frozenByStore
		e.mu.Unlock()

		e.logger.Warn("failed to write heartbeat",
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()),
		)
		if frozen && !alreadyFrozen {
			e.notifier.Notify(alert.SeverityCritical,
				fmt.Sprintf("lost the state store for %d consecutive heartbeats, automation frozen", failures))
		}
		return
	}

	e.mu.Lock()
	wasFrozen := e.frozenByStore
	e.heartbeatFailures = 0
	e.frozenByStore = false
	e.lastHeartbeat = time.Now()
	e.mu.Unlock()

	if wasFrozen {
		e.notifier.Notify(alert.SeverityInfo, "state store reachable again, automation resumed")
	}
}

// Status returns a snapshot of the orchestrator state for the operator API
func (e *Engine) Status(ctx context.Context) *model.ServiceStatus {
	e.mu.Lock()
	mode := e.mode
	activeRegion := e.activeRegion
	frozen := e.frozenByPeer || e.frozenByStore
	confirmed := e.failBackConfirmed
	var plan *model.CutoverPlan
	if e.currentPlan != nil {
		copied := *e.currentPlan
		copied.Steps = append([]model.PlanStep(nil), e.currentPlan.Steps...)
		plan = &copied
	}
	lastHeartbeat := e.lastHeartbeat
	e.mu.Unlock()

	worst, stale := e.lag.WorstLag()

	status := &model.ServiceStatus{
		Mode:              mode,
		ActiveRegion:      activeRegion,
		Frozen:            frozen,
		FailBackConfirmed: confirmed,
		CurrentPlan:       plan,
		Verdicts:          e.health.Verdicts(),
		Lag:               e.lag.Estimates(),
		WorstLag:          worst,
		WorstLagStale:     stale,
		InstanceID:        e.instanceID,
	}
	if !lastHeartbeat.IsZero() {
		status.HeartbeatAge = time.Since(lastHeartbeat)
	}

	if mode == model.ModeSecondaryActive && plan == nil {
		if primary, ok := e.health.Verdict(e.cfg.Regions.Primary); ok {
			e.mu.Lock()
			ready, _ := e.failBackReadyLocked(ctx, primary)
			e.mu.Unlock()
			status.FailBackReady = ready
		}
	}

	if outstanding, err := e.manual.OutstandingManual(ctx); err == nil {
		status.ManualQueueSize = outstanding
	}

	return status
}

// InstanceID returns this orchestrator instance's unique identifier
func (e *Engine) InstanceID() string {
	return e.instanceID
}
