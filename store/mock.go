package store

import (
	"context"
	"sync"

	"github.com/getpup/migration-orchestrator"
)

// MockJobStore is a configurable mock implementation of JobStore for use in
// tests. It allows setting up return values, tracking method calls, and
// injecting errors for testing error paths.
type MockJobStore struct {
	mu sync.RWMutex

	// CreateJobFunc is called by CreateJob if set.
	CreateJobFunc func(ctx context.Context, job NewJob) (orchestrator.Job, error)

	// GetJobFunc is called by GetJob if set.
	GetJobFunc func(ctx context.Context, id string) (orchestrator.Job, error)

	// GetJobsFunc is called by GetJobs if set.
	GetJobsFunc func(ctx context.Context, ids []string) ([]orchestrator.Job, error)

	// UpdateStatusFunc is called by UpdateStatus if set.
	UpdateStatusFunc func(ctx context.Context, id string, status orchestrator.Status, update Update) error

	// UpdateFunc is called by Update if set.
	UpdateFunc func(ctx context.Context, id string, update Update) error

	// GetChildrenFunc is called by GetChildren if set.
	GetChildrenFunc func(ctx context.Context, parentID string) ([]orchestrator.Job, error)

	// PaginateFunc is called by Paginate if set.
	PaginateFunc func(ctx context.Context, query Query) (Page, error)

	// ReconvertFunc is called by Reconvert if set.
	ReconvertFunc func(ctx context.Context, id string) error

	// RecordUnitFunc is called by RecordUnit if set.
	RecordUnitFunc func(ctx context.Context, id string, unit int, ok bool, detail string) (orchestrator.Job, error)

	// HasUnitFunc is called by HasUnit if set.
	HasUnitFunc func(ctx context.Context, id string, unit int) (bool, error)

	// ListKindsFunc is called by ListKinds if set.
	ListKindsFunc func(ctx context.Context) ([]orchestrator.JobKind, error)

	// Call tracking
	CreateJobCalls    []NewJob
	UpdateStatusCalls []UpdateStatusCall
	UpdateCalls       []UpdateCall
	RecordUnitCalls   []RecordUnitCall
	ReconvertCalls    []string
}

// UpdateStatusCall records one UpdateStatus call.
type UpdateStatusCall struct {
	ID     string
	Status orchestrator.Status
	Update Update
}

// UpdateCall records one Update call.
type UpdateCall struct {
	ID     string
	Update Update
}

// RecordUnitCall records one RecordUnit call.
type RecordUnitCall struct {
	ID     string
	Unit   int
	OK     bool
	Detail string
}

// Compile-time check that MockJobStore implements JobStore.
var _ JobStore = (*MockJobStore)(nil)

// NewMockJobStore creates a new mock job store.
func NewMockJobStore() *MockJobStore {
	return &MockJobStore{}
}

// CreateJob implements JobStore.
func (m *MockJobStore) CreateJob(ctx context.Context, job NewJob) (orchestrator.Job, error) {
	m.mu.Lock()
	m.CreateJobCalls = append(m.CreateJobCalls, job)
	m.mu.Unlock()

	if m.CreateJobFunc != nil {
		return m.CreateJobFunc(ctx, job)
	}
	return orchestrator.Job{Kind: job.Kind, ParentID: job.ParentID, Status: job.Status}, nil
}

// GetJob implements JobStore.
func (m *MockJobStore) GetJob(ctx context.Context, id string) (orchestrator.Job, error) {
	if m.GetJobFunc != nil {
		return m.GetJobFunc(ctx, id)
	}
	return orchestrator.Job{}, orchestrator.ErrJobNotFound
}

// GetJobs implements JobStore.
func (m *MockJobStore) GetJobs(ctx context.Context, ids []string) ([]orchestrator.Job, error) {
	if m.GetJobsFunc != nil {
		return m.GetJobsFunc(ctx, ids)
	}
	return []orchestrator.Job{}, nil
}

// UpdateStatus implements JobStore.
func (m *MockJobStore) UpdateStatus(ctx context.Context, id string, status orchestrator.Status, update Update) error {
	m.mu.Lock()
	m.UpdateStatusCalls = append(m.UpdateStatusCalls, UpdateStatusCall{ID: id, Status: status, Update: update})
	m.mu.Unlock()

	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, id, status, update)
	}
	return nil
}

// Update implements JobStore.
func (m *MockJobStore) Update(ctx context.Context, id string, update Update) error {
	m.mu.Lock()
	m.UpdateCalls = append(m.UpdateCalls, UpdateCall{ID: id, Update: update})
	m.mu.Unlock()

	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, id, update)
	}
	return nil
}

// GetChildren implements JobStore.
func (m *MockJobStore) GetChildren(ctx context.Context, parentID string) ([]orchestrator.Job, error) {
	if m.GetChildrenFunc != nil {
		return m.GetChildrenFunc(ctx, parentID)
	}
	return []orchestrator.Job{}, nil
}

// Paginate implements JobStore.
func (m *MockJobStore) Paginate(ctx context.Context, query Query) (Page, error) {
	if m.PaginateFunc != nil {
		return m.PaginateFunc(ctx, query)
	}
	return Page{Jobs: []orchestrator.Job{}}, nil
}

// Reconvert implements JobStore.
func (m *MockJobStore) Reconvert(ctx context.Context, id string) error {
	m.mu.Lock()
	m.ReconvertCalls = append(m.ReconvertCalls, id)
	m.mu.Unlock()

	if m.ReconvertFunc != nil {
		return m.ReconvertFunc(ctx, id)
	}
	return nil
}

// RecordUnit implements JobStore.
func (m *MockJobStore) RecordUnit(ctx context.Context, id string, unit int, ok bool, detail string) (orchestrator.Job, error) {
	m.mu.Lock()
	m.RecordUnitCalls = append(m.RecordUnitCalls, RecordUnitCall{ID: id, Unit: unit, OK: ok, Detail: detail})
	m.mu.Unlock()

	if m.RecordUnitFunc != nil {
		return m.RecordUnitFunc(ctx, id, unit, ok, detail)
	}
	return orchestrator.Job{ID: id}, nil
}

// HasUnit implements JobStore.
func (m *MockJobStore) HasUnit(ctx context.Context, id string, unit int) (bool, error) {
	if m.HasUnitFunc != nil {
		return m.HasUnitFunc(ctx, id, unit)
	}
	return false, nil
}

// ListKinds implements JobStore.
func (m *MockJobStore) ListKinds(ctx context.Context) ([]orchestrator.JobKind, error) {
	if m.ListKindsFunc != nil {
		return m.ListKindsFunc(ctx)
	}
	return []orchestrator.JobKind{}, nil
}

// StatusUpdates returns a copy of the recorded UpdateStatus calls.
func (m *MockJobStore) StatusUpdates() []UpdateStatusCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UpdateStatusCall, len(m.UpdateStatusCalls))
	copy(out, m.UpdateStatusCalls)
	return out
}

// Reset clears all recorded calls.
func (m *MockJobStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateJobCalls = nil
	m.UpdateStatusCalls = nil
	m.UpdateCalls = nil
	m.RecordUnitCalls = nil
	m.ReconvertCalls = nil
}
