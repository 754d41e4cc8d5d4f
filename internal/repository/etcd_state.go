package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/util"
)

const (
	// etcd key prefixes
	keyOperatingMode  = "dr-orchestrator/operating-mode"
	keyCurrentPlan    = "dr-orchestrator/current-plan"
	keyPlanPrefix     = "dr-orchestrator/plans/"
	keyHeartbeat      = "dr-orchestrator/heartbeat"
	keyWorkflowPrefix = "dr-orchestrator/workflows/"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// StateRepository persists the orchestrator's durable state: the last decided
// operating mode, cutover plans (current and historical), the instance
// heartbeat, and workflow execution records. Losing this memory across a
// restart is a correctness bug, not a cosmetic one.
type StateRepository interface {
	// ReadState reads the last persisted operating mode
	ReadState(ctx context.Context) (*model.PersistedState, error)

	// WriteState persists the current operating mode
	WriteState(ctx context.Context, state *model.PersistedState) error

	// WritePlan persists a cutover plan record. While the plan is
	// non-terminal it is also referenced as the current plan; reaching a
	// terminal status clears that reference.
	WritePlan(ctx context.Context, plan *model.CutoverPlan) error

	// ReadCurrentPlan reads the in-flight plan, if any
	ReadCurrentPlan(ctx context.Context) (*model.CutoverPlan, error)

	// ReadPlan reads a plan record by ID
	ReadPlan(ctx context.Context, id string) (*model.CutoverPlan, error)

	// ListPlans returns all retained plan records, newest first
	ListPlans(ctx context.Context) ([]*model.CutoverPlan, error)

	// WriteHeartbeat refreshes the instance heartbeat
	WriteHeartbeat(ctx context.Context, instanceID string) error

	// ReadHeartbeat reads the instance heartbeat
	ReadHeartbeat(ctx context.Context) (*model.InstanceHeartbeat, error)

	// WriteWorkflowRecord persists a workflow execution record
	WriteWorkflowRecord(ctx context.Context, record *model.WorkflowExecutionRecord) error

	// ReadWorkflowRecord reads a workflow execution record by workflow ID
	ReadWorkflowRecord(ctx context.Context, workflowID string) (*model.WorkflowExecutionRecord, error)

	// ListWorkflowRecords returns all persisted workflow execution records
	ListWorkflowRecords(ctx context.Context) ([]*model.WorkflowExecutionRecord, error)

	// Close closes the etcd client connection
	Close() error
}

// etcdState implements StateRepository
type etcdState struct {
	client *clientv3.Client
	logger *slog.Logger
}

// NewStateRepository creates a new etcd-backed state repository
func NewStateRepository(cfg config.EtcdConfig, logger *slog.Logger) (StateRepository, error) {
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}

	// Configure TLS if provided
	if cfg.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		etcdCfg.TLS = tlsConfig
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err = client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logger.Info("connected to etcd cluster", "endpoints", cfg.Endpoints)

	return &etcdState{
		client: client,
		logger: logger,
	}, nil
}

// ReadState reads the last persisted operating mode
func (e *etcdState) ReadState(ctx context.Context) (*model.PersistedState, error) {
	resp, err := e.client.Get(ctx, keyOperatingMode)
	if err != nil {
		return nil, fmt.Errorf("failed to read operating mode from etcd: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var state model.PersistedState
	if err := json.Unmarshal(resp.Kvs[0].Value, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operating mode: %w", err)
	}

	return &state, nil
}

// WriteState persists the current operating mode
func (e *etcdState) WriteState(ctx context.Context, state *model.PersistedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal operating mode: %w", err)
	}

	if _, err := e.client.Put(ctx, keyOperatingMode, string(data)); err != nil {
		return fmt.Errorf("failed to write operating mode to etcd: %w", err)
	}

	e.logger.Debug("wrote operating mode to etcd",
		"mode", state.Mode,
		"active_region", state.ActiveRegion)

	return nil
}

// WritePlan persists a cutover plan record
func (e *etcdState) WritePlan(ctx context.Context, plan *model.CutoverPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal cutover plan: %w", err)
	}

	if _, err := e.client.Put(ctx, keyPlanPrefix+plan.ID, string(data)); err != nil {
		return fmt.Errorf("failed to write cutover plan to etcd: %w", err)
	}

	if plan.Status.Terminal() {
		if _, err := e.client.Delete(ctx, keyCurrentPlan); err != nil {
			return fmt.Errorf("failed to clear current plan reference: %w", err)
		}
	} else {
		if _, err := e.client.Put(ctx, keyCurrentPlan, plan.ID); err != nil {
			return fmt.Errorf("failed to write current plan reference: %w", err)
		}
	}

	e.logger.Debug("wrote cutover plan to etcd",
		"plan_id", plan.ID,
		"status", plan.Status)

	return nil
}

// ReadCurrentPlan reads the in-flight plan, if any
func (e *etcdState) ReadCurrentPlan(ctx context.Context) (*model.CutoverPlan, error) {
	resp, err := e.client.Get(ctx, keyCurrentPlan)
	if err != nil {
		return nil, fmt.Errorf("failed to read current plan reference: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	return e.ReadPlan(ctx, string(resp.Kvs[0].Value))
}

// ReadPlan reads a plan record by ID
func (e *etcdState) ReadPlan(ctx context.Context, id string) (*model.CutoverPlan, error) {
	resp, err := e.client.Get(ctx, keyPlanPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s from etcd: %w", id, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var plan model.CutoverPlan
	if err := json.Unmarshal(resp.Kvs[0].Value, &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan %s: %w", id, err)
	}

	return &plan, nil
}

// ListPlans returns all retained plan records, newest first
func (e *etcdState) ListPlans(ctx context.Context) ([]*model.CutoverPlan, error) {
	resp, err := e.client.Get(ctx, keyPlanPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list plans from etcd: %w", err)
	}

	plans := make([]*model.CutoverPlan, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var plan model.CutoverPlan
		if err := json.Unmarshal(kv.Value, &plan); err != nil {
			e.logger.Warn("skipping unreadable plan record",
				"key", string(kv.Key),
				"error", err.Error())
			continue
		}
		plans = append(plans, &plan)
	}

	sort.Slice(plans, func(i, j int) bool {
		return plans[i].CreatedAt.After(plans[j].CreatedAt)
	})

	return plans, nil
}

// WriteHeartbeat refreshes the instance heartbeat
func (e *etcdState) WriteHeartbeat(ctx context.Context, instanceID string) error {
	heartbeat := model.InstanceHeartbeat{
		InstanceID: instanceID,
		LastSeen:   time.Now(),
	}

	data, err := json.Marshal(heartbeat)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	if _, err := e.client.Put(ctx, keyHeartbeat, string(data)); err != nil {
		return fmt.Errorf("failed to write heartbeat to etcd: %w", err)
	}

	return nil
}

// ReadHeartbeat reads the instance heartbeat
func (e *etcdState) ReadHeartbeat(ctx context.Context) (*model.InstanceHeartbeat, error) {
	resp, err := e.client.Get(ctx, keyHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeat from etcd: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var heartbeat model.InstanceHeartbeat
	if err := json.Unmarshal(resp.Kvs[0].Value, &heartbeat); err != nil {
		return nil, fmt.Errorf("failed to unmarshal heartbeat: %w", err)
	}

	return &heartbeat, nil
}

// WriteWorkflowRecord persists a workflow execution record
func (e *etcdState) WriteWorkflowRecord(ctx context.Context, record *model.WorkflowExecutionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow record: %w", err)
	}

	if _, err := e.client.Put(ctx, keyWorkflowPrefix+record.WorkflowID, string(data)); err != nil {
		return fmt.Errorf("failed to write workflow record to etcd: %w", err)
	}

	return nil
}

// ReadWorkflowRecord reads a workflow execution record by workflow ID
func (e *etcdState) ReadWorkflowRecord(ctx context.Context, workflowID string) (*model.WorkflowExecutionRecord, error) {
	resp, err := e.client.Get(ctx, keyWorkflowPrefix+workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow record from etcd: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var record model.WorkflowExecutionRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow record: %w", err)
	}

	return &record, nil
}

// ListWorkflowRecords returns all persisted workflow execution records
func (e *etcdState) ListWorkflowRecords(ctx context.Context) ([]*model.WorkflowExecutionRecord, error) {
	resp, err := e.client.Get(ctx, keyWorkflowPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow records from etcd: %w", err)
	}

	records := make([]*model.WorkflowExecutionRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record model.WorkflowExecutionRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			e.logger.Warn("skipping unreadable workflow record",
				"key", string(kv.Key),
				"error", err.Error())
			continue
		}
		records = append(records, &record)
	}

	return records, nil
}

// Close closes the etcd client connection
func (e *etcdState) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
