package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altafin/dr-orchestrator/internal/alert"
	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/repository"
)

const (
	primaryRegion   = model.RegionID("eu-west")
	secondaryRegion = model.RegionID("eu-central")
)

type fakeHealth struct {
	mu       sync.Mutex
	verdicts map[model.RegionID]model.HealthVerdict
}

func (f *fakeHealth) set(region model.RegionID, status model.HealthStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[region] = model.HealthVerdict{Region: region, Status: status}
}

func (f *fakeHealth) Verdict(region model.RegionID) (model.HealthVerdict, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.verdicts[region]
	return v, ok
}

func (f *fakeHealth) Verdicts() []model.HealthVerdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	verdicts := make([]model.HealthVerdict, 0, len(f.verdicts))
	for _, v := range f.verdicts {
		verdicts = append(verdicts, v)
	}
	return verdicts
}

type fakeLagSource struct {
	mu    sync.Mutex
	worst time.Duration
	stale bool
}

func (f *fakeLagSource) WorstLag() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.worst, f.stale
}

func (f *fakeLagSource) Estimates() []model.LagEstimate {
	return nil
}

type fakeManualQueue struct {
	count int
	err   error
}

func (f *fakeManualQueue) OutstandingManual(ctx context.Context) (int, error) {
	return f.count, f.err
}

type fakeExecutor struct {
	mu       sync.Mutex
	status   model.PlanStatus
	err      error
	executed []*model.CutoverPlan
}

func (f *fakeExecutor) Execute(ctx context.Context, plan *model.CutoverPlan) (model.PlanStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, plan)
	return f.status, f.err
}

func (f *fakeExecutor) Cancel() error {
	return nil
}

func (f *fakeExecutor) Executed() []*model.CutoverPlan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.CutoverPlan(nil), f.executed...)
}

type harness struct {
	engine   *Engine
	health   *fakeHealth
	lag      *fakeLagSource
	manual   *fakeManualQueue
	executor *fakeExecutor
	state    repository.StateRepository
}

func testConfig() *config.Config {
	return &config.Config{
		Regions: config.RegionsConfig{
			Primary:   primaryRegion,
			Secondary: secondaryRegion,
		},
		Engine: config.EngineConfig{
			EvaluateInterval: 10 * time.Millisecond,
			RTODeadline:      time.Minute,
			LagDrainTimeout:  time.Second,
			LagDrainPoll:     10 * time.Millisecond,
		},
		Lag: config.LagConfig{
			ReportInterval: time.Minute,
			RPOBound:       5 * time.Second,
		},
		Heartbeat: config.HeartbeatConfig{
			UpdateInterval: 10 * time.Millisecond,
			StaleThreshold: 100 * time.Millisecond,
			MaxFailures:    3,
		},
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	health := &fakeHealth{verdicts: map[model.RegionID]model.HealthVerdict{
		primaryRegion:   {Region: primaryRegion, Status: model.HealthStatusHealthy},
		secondaryRegion: {Region: secondaryRegion, Status: model.HealthStatusHealthy},
	}}
	lagSource := &fakeLagSource{worst: time.Second}
	manual := &fakeManualQueue{}
	executor := &fakeExecutor{status: model.PlanSucceeded}
	state := repository.NewMemoryState()

	eng := New(cfg, state, health, lagSource, manual, executor, alert.NopNotifier{}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	return &harness{
		engine:   eng,
		health:   health,
		lag:      lagSource,
		manual:   manual,
		executor: executor,
		state:    state,
	}
}

func (h *harness) mode(t *testing.T) model.OperatingMode {
	t.Helper()
	return h.engine.Status(context.Background()).Mode
}

func (h *harness) waitForMode(t *testing.T, mode model.OperatingMode) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.mode(t) == mode
	}, 2*time.Second, 5*time.Millisecond, "expected mode %s", mode)
}

func TestFirstStartIsPrimaryActive(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.engine.Reconcile(context.Background()))

	assert.Equal(t, model.ModePrimaryActive, h.mode(t))

	persisted, err := h.state.ReadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ModePrimaryActive, persisted.Mode)
	assert.Equal(t, primaryRegion, persisted.ActiveRegion)
}

func TestRestartRestoresPersistedMode(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.state.WriteState(context.Background(), &model.PersistedState{
		Mode:         model.ModeSecondaryActive,
		ActiveRegion: secondaryRegion,
		UpdatedAt:    time.Now(),
	}))

	require.NoError(t, h.engine.Reconcile(context.Background()))

	status := h.engine.Status(context.Background())
	assert.Equal(t, model.ModeSecondaryActive, status.Mode)
	assert.Equal(t, secondaryRegion, status.ActiveRegion)
}

func TestRestartClosesInterruptedPlan(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.state.WriteState(context.Background(), &model.PersistedState{
		Mode:         model.ModeFailoverPending,
		ActiveRegion: primaryRegion,
	}))
	interrupted := &model.CutoverPlan{
		ID:       "plan-1",
		FromMode: model.ModeDegraded,
		ToMode:   model.ModeSecondaryActive,
		Status:   model.PlanRunning,
		Steps: []model.PlanStep{
			{Index: 0, Name: "drain-source-region", SideEffecting: true, Status: model.StepSucceeded},
		},
		LastSuccessfulStep: 0,
		CreatedAt:          time.Now(),
	}
	require.NoError(t, h.state.WritePlan(context.Background(), interrupted))

	require.NoError(t, h.engine.Reconcile(context.Background()))

	// The interrupted plan is closed as partial, never resumed
	stored, err := h.state.ReadPlan(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanPartial, stored.Status)

	// The half-finished transition leaves the deployment degraded
	assert.Equal(t, model.ModeDegraded, h.mode(t))
	assert.Empty(t, h.executor.Executed())
}

func TestRestartMidFailoverWithoutPlanDemotes(t *testing.T) {
	h := newHarness(t, testConfig())

	// Crash in the window after the pending mode was persisted but before
	// the coordinator wrote the first plan record
	require.NoError(t, h.state.WriteState(context.Background(), &model.PersistedState{
		Mode:         model.ModeFailoverPending,
		ActiveRegion: primaryRegion,
	}))

	require.NoError(t, h.engine.Reconcile(context.Background()))
	assert.Equal(t, model.ModeDegraded, h.mode(t))

	// The engine must not stay wedged: with the primary still down and the
	// secondary safe, evaluation retries the failover.
	h.health.set(primaryRegion, model.HealthStatusUnhealthy)
	h.engine.Evaluate(context.Background())

	h.waitForMode(t, model.ModeSecondaryActive)
	require.Len(t, h.executor.Executed(), 1)
}

func TestRestartMidFailBackWithoutPlanKeepsSecondaryActive(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.state.WriteState(context.Background(), &model.PersistedState{
		Mode:         model.ModeRecovering,
		ActiveRegion: secondaryRegion,
	}))

	require.NoError(t, h.engine.Reconcile(context.Background()))

	// An interrupted fail-back with no plan on record means traffic never
	// left the secondary
	status := h.engine.Status(context.Background())
	assert.Equal(t, model.ModeSecondaryActive, status.Mode)
	assert.Equal(t, secondaryRegion, status.ActiveRegion)
}

func TestForeignHeartbeatFreezesAutomation(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.state.WriteHeartbeat(context.Background(), "other-instance"))
	require.NoError(t, h.engine.Reconcile(context.Background()))

	assert.True(t, h.engine.Status(context.Background()).Frozen)

	// Even an unhealthy primary must not trigger anything while frozen
	h.health.set(primaryRegion, model.HealthStatusUnhealthy)
	h.engine.Evaluate(context.Background())

	assert.Equal(t, model.ModePrimaryActive, h.mode(t))
	assert.Empty(t, h.executor.Executed())
}

func TestDegradedPrimaryDegradesMode(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Reconcile(context.Background()))

	h.health.set(primaryRegion, model.HealthStatusDegraded)
	h.engine.Evaluate(context.Background())
	assert.Equal(t, model.ModeDegraded, h.mode(t))

	// No failover from a merely degraded primary
	assert.Empty(t, h.executor.Executed())

	h.health.set(primaryRegion, model.HealthStatusHealthy)
	h.engine.Evaluate(context.Background())
	assert.Equal(t, model.ModePrimaryActive, h.mode(t))
}

func TestFailoverWhenPrimaryUnhealthyAndTargetSafe(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Reconcile(context.Background()))

	h.health.set(primaryRegion, model.HealthStatusUnhealthy)
	h.engine.Evaluate(context.Background())

	h.waitForMode(t, model.ModeSecondaryActive)

	status := h.engine.Status(context.Background())
	assert.Equal(t, secondaryRegion, status.ActiveRegion)

	executed := h.executor.Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, primaryRegion, executed[0].SourceRegion)
	assert.Equal(t, secondaryRegion, executed[0].TargetRegion)
	assert.Equal(t, model.ModeSecondaryActive, executed[0].ToMode)
}

func TestStaleLagBlocksFailover(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Reconcile(context.Background()))

	h.lag.mu.Lock()
	h.lag.stale = true
	h.lag.mu.Unlock()

	h.health.set(primaryRegion, model.HealthStatusUnhealthy)
	h.engine.Evaluate(context.Background())
	h.engine.Evaluate(context.Background())

	assert.Equal(t, model.ModeDegraded, h.mode(t))
	assert.Empty(t, h.executor.Executed())
}

func TestLagOverBoundBlocksFailover(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Reconcile(context.Background()))

	h.lag.mu.Lock()
	h.lag.worst = time.Minute
	h.lag.mu.Unlock()

	h.health.set(primaryRegion, model.HealthStatusUnhealthy)
	h.engine.Evaluate(context.Background())

	assert.Equal(t, model.ModeDegraded, h.mode(t))
	assert.Empty(t, h.executor.Executed())
}

func TestLagAtBoundBlocksFailover(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Reconcile(context.Background()))

	// Lag exactly at the recovery point bound is not below it
	h.lag.mu.Lock()
	h.lag.worst = testConfig().Lag.RPOBound
	h.lag.mu.Unlock()

	h.health.set(primaryRegion, model.HealthStatusUnhealthy)
	h.engine.Evaluate(context.Background())

	assert.Equal(t, model.ModeDegraded, h.mode(t))
	assert.Empty(t, h.executor.Executed())
}

func TestUnhealthySecondaryBlocksFailover(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Reconcile(context.Background()))

	h.health.set(primaryRegion, model.HealthStatusUnhealthy)
	h.health.set(secondaryRegion, model.HealthStatusDegraded)
	h.engine.Evaluate(context.Background())

	assert.Equal(t, model.ModeDegraded, h.mode(t))
	assert.Empty(t, h.executor.Executed())
}

func TestFailedFailoverLeavesDegraded(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Reconcile(context.Background()))

	h.executor.status = model.PlanPartial
	h.executor.err = errors.New("promotion failed")

	h.health.set(primaryRegion, model.HealthStatusUnhealthy)
	h.engine.Evaluate(context.Background())

	h.waitForMode(t, model.ModeDegraded)

	// Traffic never moved
	assert.Equal(t, primaryRegion, h.engine.Status(context.Background()).ActiveRegion)
}

func failedOverHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	h := newHarness(t, cfg)
	require.NoError(t, h.state.WriteState(context.Background(), &model.PersistedState{
		Mode:         model.ModeSecondaryActive,
		ActiveRegion: secondaryRegion,
	}))
	require.NoError(t, h.engine.Reconcile(context.Background()))
	return h
}

func TestFailBackIsNotAutomaticByDefault(t *testing.T) {
	h := failedOverHarness(t, testConfig())

	// Primary healthy, lag fine, nothing manual outstanding
	h.engine.Evaluate(context.Background())
	h.engine.Evaluate(context.Background())

	assert.Equal(t, model.ModeSecondaryActive, h.mode(t))
	assert.Empty(t, h.executor.Executed())
	assert.True(t, h.engine.Status(context.Background()).FailBackReady)
}

func TestConfirmedFailBackRunsToPrimaryActive(t *testing.T) {
	h := failedOverHarness(t, testConfig())

	require.NoError(t, h.engine.ConfirmFailBack(context.Background()))

	h.waitForMode(t, model.ModePrimaryActive)

	status := h.engine.Status(context.Background())
	assert.Equal(t, primaryRegion, status.ActiveRegion)

	executed := h.executor.Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, secondaryRegion, executed[0].SourceRegion)
	assert.Equal(t, primaryRegion, executed[0].TargetRegion)
}

func TestAutoFailBackWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.AutoFailBack = true
	h := failedOverHarness(t, cfg)

	h.engine.Evaluate(context.Background())

	h.waitForMode(t, model.ModePrimaryActive)
}

func TestConfirmFailBackRejectedWhileManualOutstanding(t *testing.T) {
	h := failedOverHarness(t, testConfig())
	h.manual.count = 2

	err := h.engine.ConfirmFailBack(context.Background())
	assert.ErrorIs(t, err, ErrNotFailBackReady)
	assert.Empty(t, h.executor.Executed())
}

func TestConfirmFailBackRejectedWhilePrimaryUnhealthy(t *testing.T) {
	h := failedOverHarness(t, testConfig())
	h.health.set(primaryRegion, model.HealthStatusDegraded)

	err := h.engine.ConfirmFailBack(context.Background())
	assert.ErrorIs(t, err, ErrNotFailBackReady)
}

func TestConfirmFailBackRejectedOutsideSecondaryActive(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Reconcile(context.Background()))

	assert.Error(t, h.engine.ConfirmFailBack(context.Background()))
}

func TestFailedFailBackKeepsSecondaryActive(t *testing.T) {
	h := failedOverHarness(t, testConfig())
	h.executor.status = model.PlanFailed
	h.executor.err = errors.New("primary stores refused promotion")

	require.NoError(t, h.engine.ConfirmFailBack(context.Background()))

	// The fail-back attempt fails; the secondary keeps serving traffic
	require.Eventually(t, func() bool {
		return len(h.executor.Executed()) == 1 && h.mode(t) == model.ModeSecondaryActive
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, secondaryRegion, h.engine.Status(context.Background()).ActiveRegion)
}

func TestEvaluateSkipsWhilePlanInFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Reconcile(context.Background()))

	h.engine.mu.Lock()
	h.engine.currentPlan = &model.CutoverPlan{ID: "in-flight"}
	h.engine.mu.Unlock()

	h.health.set(primaryRegion, model.HealthStatusUnhealthy)
	h.engine.Evaluate(context.Background())

	assert.Empty(t, h.executor.Executed())
}
