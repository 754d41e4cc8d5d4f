package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/util"
)

// WorkflowEngine is the business workflow executor. The orchestrator never
// runs workflow steps itself; it lists in-flight executions, resumes or
// aborts them, and verifies side effects through their idempotency tokens.
type WorkflowEngine interface {
	// ListInFlight returns all non-terminal workflow executions in a region
	ListInFlight(ctx context.Context, region model.RegionID) ([]*model.WorkflowExecutionRecord, error)

	// Resume resumes a workflow from the given step index
	Resume(ctx context.Context, workflowID string, fromStep int) error

	// Abort aborts a workflow execution
	Abort(ctx context.Context, workflowID string) error

	// SideEffectStatus verifies whether the side effect guarded by the
	// idempotency token has been applied.
	SideEffectStatus(ctx context.Context, token string) (model.SideEffectStatus, error)
}

// workflowClient implements WorkflowEngine against the workflow engine's
// HTTP API.
type workflowClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewWorkflowClient creates a workflow engine client
func NewWorkflowClient(cfg config.WorkflowConfig, logger *slog.Logger) (WorkflowEngine, error) {
	client := &http.Client{Timeout: cfg.Timeout}

	if cfg.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config for workflow engine: %w", err)
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return &workflowClient{
		baseURL: strings.TrimRight(cfg.Address, "/"),
		client:  client,
		logger:  logger,
	}, nil
}

// ListInFlight returns all non-terminal workflow executions in a region
func (w *workflowClient) ListInFlight(ctx context.Context, region model.RegionID) ([]*model.WorkflowExecutionRecord, error) {
	endpoint := fmt.Sprintf("%s/v1/workflows?region=%s&state=running", w.baseURL, url.QueryEscape(region.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight workflows: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("workflow engine returned status %d: %s", resp.StatusCode, string(body))
	}

	var records []*model.WorkflowExecutionRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode workflow list: %w", err)
	}

	return records, nil
}

type resumeRequest struct {
	FromStep int `json:"from_step"`
}

// Resume resumes a workflow from the given step index
func (w *workflowClient) Resume(ctx context.Context, workflowID string, fromStep int) error {
	endpoint := fmt.Sprintf("%s/v1/workflows/%s/resume", w.baseURL, url.PathEscape(workflowID))

	body, err := json.Marshal(resumeRequest{FromStep: fromStep})
	if err != nil {
		return fmt.Errorf("failed to marshal resume request: %w", err)
	}

	if err := w.post(ctx, endpoint, body); err != nil {
		return fmt.Errorf("failed to resume workflow %s: %w", workflowID, err)
	}

	w.logger.Info("resumed workflow",
		slog.String("workflow_id", workflowID),
		slog.Int("from_step", fromStep),
	)

	return nil
}

// Abort aborts a workflow execution
func (w *workflowClient) Abort(ctx context.Context, workflowID string) error {
	endpoint := fmt.Sprintf("%s/v1/workflows/%s/abort", w.baseURL, url.PathEscape(workflowID))

	if err := w.post(ctx, endpoint, nil); err != nil {
		return fmt.Errorf("failed to abort workflow %s: %w", workflowID, err)
	}

	w.logger.Info("aborted workflow",
		slog.String("workflow_id", workflowID),
	)

	return nil
}

type sideEffectResponse struct {
	Status string `json:"status"`
}

// SideEffectStatus verifies a side effect through its idempotency token.
// Any ambiguity collapses to unknown - a financial side effect must never be
// guessed at.
func (w *workflowClient) SideEffectStatus(ctx context.Context, token string) (model.SideEffectStatus, error) {
	endpoint := fmt.Sprintf("%s/v1/side-effects/%s", w.baseURL, url.PathEscape(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.SideEffectUnknown, fmt.Errorf("failed to create side-effect request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return model.SideEffectUnknown, fmt.Errorf("failed to query side effect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return model.SideEffectUnknown, fmt.Errorf("side-effect endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var se sideEffectResponse
	if err := json.NewDecoder(resp.Body).Decode(&se); err != nil {
		return model.SideEffectUnknown, fmt.Errorf("failed to decode side-effect response: %w", err)
	}

	switch se.Status {
	case "applied":
		return model.SideEffectApplied, nil
	case "not_applied":
		return model.SideEffectNotApplied, nil
	default:
		return model.SideEffectUnknown, nil
	}
}

// post issues a POST request and checks for a success status
func (w *workflowClient) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("workflow engine returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
