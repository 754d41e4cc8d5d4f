package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altafin/dr-orchestrator/internal/alert"
	"github.com/altafin/dr-orchestrator/internal/cache"
	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/engine"
	"github.com/altafin/dr-orchestrator/internal/guard"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/repository"
)

type staticHealth struct{}

func (staticHealth) Verdict(region model.RegionID) (model.HealthVerdict, bool) {
	return model.HealthVerdict{Region: region, Status: model.HealthStatusHealthy}, true
}

func (staticHealth) Verdicts() []model.HealthVerdict {
	return []model.HealthVerdict{
		{Region: "eu-west", Status: model.HealthStatusHealthy},
		{Region: "eu-central", Status: model.HealthStatusHealthy},
	}
}

type staticLag struct{}

func (staticLag) WorstLag() (time.Duration, bool) { return time.Second, false }
func (staticLag) Estimates() []model.LagEstimate {
	return []model.LagEstimate{{StoreID: "orders-db", Lag: time.Second}}
}

type staticManual struct{}

func (staticManual) OutstandingManual(ctx context.Context) (int, error) { return 0, nil }

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, plan *model.CutoverPlan) (model.PlanStatus, error) {
	return model.PlanSucceeded, nil
}
func (noopExecutor) Cancel() error { return nil }

type stubWorkflows struct{}

func (stubWorkflows) ListInFlight(ctx context.Context, region model.RegionID) ([]*model.WorkflowExecutionRecord, error) {
	return nil, nil
}
func (stubWorkflows) Resume(ctx context.Context, workflowID string, fromStep int) error { return nil }
func (stubWorkflows) Abort(ctx context.Context, workflowID string) error                { return nil }
func (stubWorkflows) SideEffectStatus(ctx context.Context, token string) (model.SideEffectStatus, error) {
	return model.SideEffectUnknown, nil
}

func testServer(t *testing.T) (*httptest.Server, repository.StateRepository) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := repository.NewMemoryState()

	cfg := &config.Config{
		Regions: config.RegionsConfig{Primary: "eu-west", Secondary: "eu-central"},
		Engine: config.EngineConfig{
			EvaluateInterval: time.Second,
			RTODeadline:      time.Minute,
		},
		Lag: config.LagConfig{ReportInterval: time.Minute, RPOBound: 5 * time.Second},
		Heartbeat: config.HeartbeatConfig{
			UpdateInterval: time.Second,
			StaleThreshold: 10 * time.Second,
			MaxFailures:    3,
		},
	}

	eng := engine.New(cfg, state, staticHealth{}, staticLag{}, staticManual{}, noopExecutor{}, alert.NopNotifier{}, nil, log)
	require.NoError(t, eng.Reconcile(context.Background()))

	g := guard.New(stubWorkflows{}, state, cache.New(time.Minute), time.Minute, alert.NopNotifier{}, nil, log)

	handler := NewHandler(eng, g, state, log)
	server := httptest.NewServer(handler.Router(""))
	t.Cleanup(server.Close)

	return server, state
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	server, _ := testServer(t)

	var body map[string]string
	code := getJSON(t, server.URL+"/healthz", &body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := testServer(t)

	var status model.ServiceStatus
	code := getJSON(t, server.URL+"/api/status", &status)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.ModePrimaryActive, status.Mode)
	assert.Equal(t, model.RegionID("eu-west"), status.ActiveRegion)
	assert.Len(t, status.Verdicts, 2)
}

func TestCurrentPlanNotFound(t *testing.T) {
	server, _ := testServer(t)

	code := getJSON(t, server.URL+"/api/plan", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPlanHistory(t *testing.T) {
	server, state := testServer(t)

	plan := &model.CutoverPlan{
		ID:        "plan-1",
		Status:    model.PlanSucceeded,
		CreatedAt: time.Now(),
	}
	require.NoError(t, state.WritePlan(context.Background(), plan))

	var plans []model.CutoverPlan
	code := getJSON(t, server.URL+"/api/plans", &plans)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, plans, 1)
	assert.Equal(t, "plan-1", plans[0].ID)

	var single model.CutoverPlan
	code = getJSON(t, server.URL+"/api/plans/plan-1", &single)
	assert.Equal(t, http.StatusOK, code)

	code = getJSON(t, server.URL+"/api/plans/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelWithoutPlan(t *testing.T) {
	server, _ := testServer(t)

	resp, err := http.Post(server.URL+"/api/plan/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfirmFailBackRejectedInPrimaryActive(t *testing.T) {
	server, _ := testServer(t)

	resp, err := http.Post(server.URL+"/api/failback/confirm", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveWorkflowValidation(t *testing.T) {
	server, _ := testServer(t)

	resp, err := http.Post(server.URL+"/api/workflows/wf-1/resolve", "application/json",
		strings.NewReader(`{"action":"replay"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(server.URL+"/api/workflows/wf-missing/resolve", "application/json",
		strings.NewReader(`{"action":"abort"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManualQueueEmpty(t *testing.T) {
	server, _ := testServer(t)

	code := getJSON(t, server.URL+"/api/workflows/manual", nil)
	assert.Equal(t, http.StatusOK, code)
}
