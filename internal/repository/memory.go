package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/altafin/dr-orchestrator/internal/model"
)

// memoryState is an in-memory StateRepository used in tests and local
// development runs without an etcd cluster.
type memoryState struct {
	mu          sync.Mutex
	state       *model.PersistedState
	plans       map[string]*model.CutoverPlan
	currentPlan string
	heartbeat   *model.InstanceHeartbeat
	workflows   map[string]*model.WorkflowExecutionRecord
}

// NewMemoryState creates an in-memory StateRepository. Nothing survives the
// process; it exists for tests and for running against a local stack.
func NewMemoryState() StateRepository {
	return &memoryState{
		plans:     make(map[string]*model.CutoverPlan),
		workflows: make(map[string]*model.WorkflowExecutionRecord),
	}
}

func (m *memoryState) ReadState(ctx context.Context) (*model.PersistedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return nil, ErrNotFound
	}
	copied := *m.state
	return &copied, nil
}

func (m *memoryState) WriteState(ctx context.Context, state *model.PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *state
	m.state = &copied
	return nil
}

func (m *memoryState) WritePlan(ctx context.Context, plan *model.CutoverPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *plan
	copied.Steps = append([]model.PlanStep(nil), plan.Steps...)
	m.plans[plan.ID] = &copied

	if plan.Status.Terminal() {
		if m.currentPlan == plan.ID {
			m.currentPlan = ""
		}
	} else {
		m.currentPlan = plan.ID
	}
	return nil
}

func (m *memoryState) ReadCurrentPlan(ctx context.Context) (*model.CutoverPlan, error) {
	m.mu.Lock()
	id := m.currentPlan
	m.mu.Unlock()

	if id == "" {
		return nil, ErrNotFound
	}
	return m.ReadPlan(ctx, id)
}

func (m *memoryState) ReadPlan(ctx context.Context, id string) (*model.CutoverPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *plan
	copied.Steps = append([]model.PlanStep(nil), plan.Steps...)
	return &copied, nil
}

func (m *memoryState) ListPlans(ctx context.Context) ([]*model.CutoverPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plans := make([]*model.CutoverPlan, 0, len(m.plans))
	for _, plan := range m.plans {
		copied := *plan
		copied.Steps = append([]model.PlanStep(nil), plan.Steps...)
		plans = append(plans, &copied)
	}
	sort.Slice(plans, func(i, j int) bool {
		return plans[i].CreatedAt.After(plans[j].CreatedAt)
	})
	return plans, nil
}

func (m *memoryState) WriteHeartbeat(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heartbeat = &model.InstanceHeartbeat{
		InstanceID: instanceID,
		LastSeen:   time.Now(),
	}
	return nil
}

func (m *memoryState) ReadHeartbeat(ctx context.Context) (*model.InstanceHeartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeat == nil {
		return nil, ErrNotFound
	}
	copied := *m.heartbeat
	return &copied, nil
}

func (m *memoryState) WriteWorkflowRecord(ctx context.Context, record *model.WorkflowExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *record
	m.workflows[record.WorkflowID] = &copied
	return nil
}

func (m *memoryState) ReadWorkflowRecord(ctx context.Context, workflowID string) (*model.WorkflowExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.workflows[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (m *memoryState) ListWorkflowRecords(ctx context.Context) ([]*model.WorkflowExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]*model.WorkflowExecutionRecord, 0, len(m.workflows))
	for _, record := range m.workflows {
		copied := *record
		records = append(records, &copied)
	}
	return records, nil
}

func (m *memoryState) Close() error {
	return nil
}
