package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/altafin/dr-orchestrator/internal/alert"
	"github.com/altafin/dr-orchestrator/internal/cache"
	"github.com/altafin/dr-orchestrator/internal/concurrent"
	"github.com/altafin/dr-orchestrator/internal/metrics"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/repository"
)

// ErrNotManual is returned when resolving a workflow that is not awaiting
// manual review.
var ErrNotManual = errors.New("workflow is not awaiting manual review")

// Guard reconciles in-flight business workflows after a region cutover. For
// every interrupted workflow it verifies the pending step's side effect
// through its idempotency token and either resumes past it, retries it, or
// parks the workflow for a human. The one rule it never breaks: an unverified
// side effect is never replayed.
type Guard struct {
	engine   repository.WorkflowEngine
	state    repository.StateRepository
	cache    cache.Cache
	cacheTTL time.Duration
	notifier alert.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a workflow consistency guard
func New(engine repository.WorkflowEngine, state repository.StateRepository, c cache.Cache, cacheTTL time.Duration, notifier alert.Notifier, m *metrics.Metrics, logger *slog.Logger) *Guard {
	return &Guard{
		engine:   engine,
		state:    state,
		cache:    c,
		cacheTTL: cacheTTL,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// Reconcile processes every in-flight workflow of a region after a cutover.
// Individual workflow failures are collected in the report and never block
// the rest of the pass.
func (g *Guard) Reconcile(ctx context.Context, region model.RegionID) (*model.ReconcileReport, error) {
	records, err := g.engine.ListInFlight(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight workflows: %w", err)
	}

	g.logger.Info("reconciling in-flight workflows",
		slog.String("region", region.String()),
		slog.Int("count", len(records)),
	)

	report := &model.ReconcileReport{Region: region}

	results := concurrent.ParallelMap(ctx, records, func(ctx context.Context, record *model.WorkflowExecutionRecord) (string, error) {
		return g.reconcileOne(ctx, record)
	})

	for i, result := range results {
		workflowID := records[i].WorkflowID
		if result.Error != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", workflowID, result.Error))
			if g.metrics != nil {
				g.metrics.RecordReconciledWorkflow("error")
			}
			continue
		}
		switch result.Value {
		case "resumed":
			report.Resumed = append(report.Resumed, workflowID)
		case "retried":
			report.Retried = append(report.Retried, workflowID)
		case "manual":
			report.Manual = append(report.Manual, workflowID)
		}
		if g.metrics != nil {
			g.metrics.RecordReconciledWorkflow(result.Value)
		}
	}

	report.FinishedAt = time.Now()

	if len(report.Manual) > 0 {
		g.notifier.Notify(alert.SeverityWarning,
			fmt.Sprintf("%d workflows in region %s need manual reconciliation", len(report.Manual), region))
	}
	g.refreshManualQueueSize(ctx)

	g.logger.Info("workflow reconciliation finished",
		slog.String("region", region.String()),
		slog.Int("resumed", len(report.Resumed)),
		slog.Int("retried", len(report.Retried)),
		slog.Int("manual", len(report.Manual)),
		slog.Int("errors", len(report.Errors)),
	)

	return report, nil
}

// reconcileOne handles a single workflow and returns its disposition
func (g *Guard) reconcileOne(ctx context.Context, record *model.WorkflowExecutionRecord) (string, error) {
	status, err := g.sideEffectStatus(ctx, record.IdempotencyToken)
	if err != nil {
		return "", fmt.Errorf("side effect verification failed: %w", err)
	}

	pendingStep := record.LastCompletedStepIndex + 1

	switch status {
	case model.SideEffectApplied:
		// The pending step already took effect; resuming from it would
		// duplicate the side effect. Skip past it.
		if err := g.engine.Resume(ctx, record.WorkflowID, pendingStep+1); err != nil {
			return "", err
		}
		record.LastCompletedStepIndex = pendingStep
		record.State = model.WorkflowRunning
		record.UpdatedAt = time.Now()
		if err := g.state.WriteWorkflowRecord(ctx, record); err != nil {
			return "", fmt.Errorf("failed to persist workflow record: %w", err)
		}
		return "resumed", nil

	case model.SideEffectNotApplied:
		// Safe to retry the pending step from scratch
		if err := g.engine.Resume(ctx, record.WorkflowID, pendingStep); err != nil {
			return "", err
		}
		record.State = model.WorkflowRunning
		record.UpdatedAt = time.Now()
		if err := g.state.WriteWorkflowRecord(ctx, record); err != nil {
			return "", fmt.Errorf("failed to persist workflow record: %w", err)
		}
		return "retried", nil

	default:
		record.State = model.WorkflowManualReview
		record.UpdatedAt = time.Now()
		if err := g.state.WriteWorkflowRecord(ctx, record); err != nil {
			return "", fmt.Errorf("failed to persist workflow record: %w", err)
		}
		g.logger.Warn("workflow parked for manual review",
			slog.String("workflow_id", record.WorkflowID),
			slog.Int("pending_step", pendingStep),
		)
		return "manual", nil
	}
}

// sideEffectStatus verifies a token against the workflow engine, caching only
// definitive answers. An unknown answer is never cached: the next pass should
// ask again.
func (g *Guard) sideEffectStatus(ctx context.Context, token string) (model.SideEffectStatus, error) {
	cacheKey := "side-effect:" + token

	if cached, ok := g.cache.Get(cacheKey); ok {
		if status, ok := cached.(model.SideEffectStatus); ok {
			return status, nil
		}
	}

	status, err := g.engine.SideEffectStatus(ctx, token)
	if err != nil {
		return model.SideEffectUnknown, err
	}

	if status != model.SideEffectUnknown {
		g.cache.Set(cacheKey, status, g.cacheTTL)
	}

	return status, nil
}

// ManualQueue returns the workflows awaiting manual review
func (g *Guard) ManualQueue(ctx context.Context) ([]*model.WorkflowExecutionRecord, error) {
	records, err := g.state.ListWorkflowRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow records: %w", err)
	}

	var manual []*model.WorkflowExecutionRecord
	for _, record := range records {
		if record.State == model.WorkflowManualReview {
			manual = append(manual, record)
		}
	}
	return manual, nil
}

// OutstandingManual returns the number of workflows awaiting manual review
func (g *Guard) OutstandingManual(ctx context.Context) (int, error) {
	manual, err := g.ManualQueue(ctx)
	if err != nil {
		return 0, err
	}
	return len(manual), nil
}

// ResolveManual applies an operator decision to a parked workflow. A resume
// decision retries the pending step (the operator has determined the side
// effect did not land); an abort decision abandons the workflow.
func (g *Guard) ResolveManual(ctx context.Context, workflowID string, action string) error {
	record, err := g.state.ReadWorkflowRecord(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to read workflow record: %w", err)
	}
	if record.State != model.WorkflowManualReview {
		return ErrNotManual
	}

	switch action {
	case "resume":
		if err := g.engine.Resume(ctx, workflowID, record.LastCompletedStepIndex+1); err != nil {
			return fmt.Errorf("failed to resume workflow: %w", err)
		}
		record.State = model.WorkflowRunning
	case "abort":
		if err := g.engine.Abort(ctx, workflowID); err != nil {
			return fmt.Errorf("failed to abort workflow: %w", err)
		}
		record.State = model.WorkflowAborted
	default:
		return fmt.Errorf("unknown resolution action %q", action)
	}

	record.UpdatedAt = time.Now()
	if err := g.state.WriteWorkflowRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to persist workflow record: %w", err)
	}

	g.logger.Info("manual workflow resolved",
		slog.String("workflow_id", workflowID),
		slog.String("action", action),
	)
	g.refreshManualQueueSize(ctx)

	return nil
}

func (g *Guard) refreshManualQueueSize(ctx context.Context) {
	if g.metrics == nil {
		return
	}
	count, err := g.OutstandingManual(ctx)
	if err != nil {
		g.logger.Warn("failed to refresh manual queue size", slog.String("error", err.Error()))
		return
	}
	g.metrics.ManualQueueSize.Set(float64(count))
}
