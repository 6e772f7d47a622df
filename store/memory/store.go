package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of JobStore for tests and single-process runs.
// It provides thread-safe access to jobs using a sync.RWMutex.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]orchestrator.Job // jobID -> job
	units map[string]map[int]bool     // jobID -> counted unit numbers
	now   func() time.Time
}

// Compile-time check that Store implements JobStore.
var _ store.JobStore = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		jobs:  make(map[string]orchestrator.Job),
		units: make(map[string]map[int]bool),
		now:   time.Now,
	}
}

// CreateJob creates a job with a new UUID.
// Returns orchestrator.ErrParentNotFound if ParentID is set and does not exist.
func (s *Store) CreateJob(ctx context.Context, nj store.NewJob) (orchestrator.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nj.ParentID != "" {
		if _, ok := s.jobs[nj.ParentID]; !ok {
			return orchestrator.Job{}, orchestrator.ErrParentNotFound
		}
	}

	status := nj.Status
	if status == "" {
		status = orchestrator.StatusPending
	}

	now := s.now()
	job := orchestrator.Job{
		ID:                   uuid.New().String(),
		ParentID:             nj.ParentID,
		Kind:                 nj.Kind,
		Status:               status,
		Stages:               nj.Stages,
		ObjectType:           nj.ObjectType,
		ObjectName:           nj.ObjectName,
		SourceSchema:         nj.SourceSchema,
		TargetSchema:         nj.TargetSchema,
		SourceDBType:         nj.SourceDBType,
		TargetDBType:         nj.TargetDBType,
		SourceConnection:     nj.SourceConnection,
		TargetConnection:     nj.TargetConnection,
		DataMigrationEnabled: nj.DataMigrationEnabled,
		OriginalText:         nj.OriginalText,
		Filename:             nj.Filename,
		Counters:             orchestrator.Counters{TotalUnits: nj.TotalUnits},
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	s.jobs[job.ID] = job
	return job, nil
}

// GetJob returns a job by ID.
// Returns orchestrator.ErrJobNotFound if the job does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (orchestrator.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return orchestrator.Job{}, orchestrator.ErrJobNotFound
	}
	return job, nil
}

// GetJobs returns the jobs with the given IDs in request order. Unknown IDs are skipped.
func (s *Store) GetJobs(ctx context.Context, ids []string) ([]orchestrator.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]orchestrator.Job, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if job, ok := s.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// UpdateStatus sets the overall status and applies update.
func (s *Store) UpdateStatus(ctx context.Context, id string, status orchestrator.Status, update store.Update) error {
	if err := update.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return orchestrator.ErrJobNotFound
	}
	if !job.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s is %s", orchestrator.ErrJobTerminal, id, job.Status)
	}

	job.Status = status
	store.Apply(&job, update)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

// Update applies update without changing the overall status.
func (s *Store) Update(ctx context.Context, id string, update store.Update) error {
	if err := update.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return orchestrator.ErrJobNotFound
	}

	store.Apply(&job, update)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

// GetChildren returns the children of parentID, oldest first, with their data
// migration jobs merged in.
func (s *Store) GetChildren(ctx context.Context, parentID string) ([]orchestrator.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := []orchestrator.Job{}
	for _, job := range s.jobs {
		if job.ParentID == parentID {
			children = append(children, job)
		}
	}
	sortOldestFirst(children)

	for i, child := range children {
		if dm, ok := s.dataMigrationOf(child.ID); ok {
			children[i] = store.MergeDataMigration(child, dm)
		}
	}
	return children, nil
}

// dataMigrationOf returns the newest data migration job of a child. Callers hold the lock.
func (s *Store) dataMigrationOf(childID string) (orchestrator.Job, bool) {
	var (
		found  orchestrator.Job
		exists bool
	)
	for _, job := range s.jobs {
		if job.ParentID != childID || job.Kind != orchestrator.KindDataMigration {
			continue
		}
		if !exists || job.CreatedAt.After(found.CreatedAt) || (job.CreatedAt.Equal(found.CreatedAt) && job.ID > found.ID) {
			found, exists = job, true
		}
	}
	return found, exists
}

// Paginate returns one page of jobs matching the query, newest first.
func (s *Store) Paginate(ctx context.Context, query store.Query) (store.Page, error) {
	query = query.Normalize()
	search := strings.ToLower(query.Search)

	s.mu.RLock()
	matched := []orchestrator.Job{}
	for _, job := range s.jobs {
		if query.Kind != "" && job.Kind != query.Kind {
			continue
		}
		if query.FiltersStatus() && string(job.Status) != query.Status {
			continue
		}
		if search != "" && !matchesSearch(job, search) {
			continue
		}
		matched = append(matched, job)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	page := store.Page{
		Jobs:       []orchestrator.Job{},
		Total:      len(matched),
		TotalPages: store.TotalPages(len(matched), query.Size),
		Page:       query.Page,
		Size:       query.Size,
	}
	start := query.Offset()
	if start < len(matched) {
		end := start + query.Size
		if end > len(matched) {
			end = len(matched)
		}
		page.Jobs = matched[start:end]
	}
	return page, nil
}

func matchesSearch(job orchestrator.Job, search string) bool {
	for _, field := range []string{job.ID, job.OriginalText, job.ConvertedText, job.ObjectName, job.Filename} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

// Reconvert resets a job to pending and clears the converted text and error message.
func (s *Store) Reconvert(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return orchestrator.ErrJobNotFound
	}

	job.Status = orchestrator.StatusPending
	job.Stages.Conversion = orchestrator.StatusPending
	if job.Stages.Execution != "" {
		job.Stages.Execution = orchestrator.StatusPending
	}
	job.ConvertedText = ""
	job.ErrorMessage = ""
	job.StatementResults = nil
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

// RecordUnit counts one finished unit of a data migration job. A unit is
// counted at most once.
func (s *Store) RecordUnit(ctx context.Context, id string, unit int, ok bool, detail string) (orchestrator.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return orchestrator.Job{}, orchestrator.ErrJobNotFound
	}
	if s.units[id][unit] {
		return job, nil
	}
	if s.units[id] == nil {
		s.units[id] = make(map[int]bool)
	}
	s.units[id][unit] = true

	if ok {
		job.Counters.SucceededUnits++
	} else {
		job.Counters.FailedUnits++
		if detail != "" {
			if job.ErrorMessage == "" {
				job.ErrorMessage = detail
			} else {
				job.ErrorMessage = job.ErrorMessage + "; " + detail
			}
		}
	}

	if job.Counters.Done() && !job.Status.IsTerminal() {
		job.Status = orchestrator.StatusCompleted
		if job.Counters.FailedUnits > 0 {
			job.Status = orchestrator.StatusFailed
		}
		job.Stages.DataMigration = job.Status
	}

	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return job, nil
}

// HasUnit reports whether a unit of a data migration job is counted.
func (s *Store) HasUnit(ctx context.Context, id string, unit int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.jobs[id]; !exists {
		return false, orchestrator.ErrJobNotFound
	}
	return s.units[id][unit], nil
}

// ListKinds returns the distinct job kinds, sorted.
func (s *Store) ListKinds(ctx context.Context) ([]orchestrator.JobKind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[orchestrator.JobKind]bool)
	kinds := []orchestrator.JobKind{}
	for _, job := range s.jobs {
		if !seen[job.Kind] {
			seen[job.Kind] = true
			kinds = append(kinds, job.Kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds, nil
}

func sortOldestFirst(jobs []orchestrator.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
