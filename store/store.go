package store

import (
	"context"

	"github.com/getpup/migration-orchestrator"
)

// JobStore is the durable record of jobs and their statuses.
// Implementations must be safe for concurrent access from multiple workers;
// status updates are keyed by job ID and applied atomically.
type JobStore interface {
	// CreateJob creates a job and returns it with its generated ID and timestamps.
	// Returns orchestrator.ErrParentNotFound if ParentID is set and does not exist.
	CreateJob(ctx context.Context, job NewJob) (orchestrator.Job, error)

	// GetJob returns a job by ID.
	// Returns orchestrator.ErrJobNotFound if the job does not exist.
	GetJob(ctx context.Context, id string) (orchestrator.Job, error)

	// GetJobs returns the jobs with the given IDs. Unknown IDs are skipped.
	GetJobs(ctx context.Context, ids []string) ([]orchestrator.Job, error)

	// UpdateStatus sets the overall status and applies the fields of update.
	// Fields absent from update are left untouched; cleared fields are set to NULL.
	// Returns orchestrator.ErrJobNotFound if the job does not exist and
	// orchestrator.ErrJobTerminal if the job is terminal and status differs from it.
	UpdateStatus(ctx context.Context, id string, status orchestrator.Status, update Update) error

	// Update applies the fields of update without changing the overall status.
	// Returns orchestrator.ErrJobNotFound if the job does not exist.
	Update(ctx context.Context, id string, update Update) error

	// GetChildren returns the children of a parent job, oldest first. Each child
	// carries the status, counters and error text of its data migration job, if any.
	// Returns an empty slice if the parent has no children.
	GetChildren(ctx context.Context, parentID string) ([]orchestrator.Job, error)

	// Paginate returns one page of jobs matching the query, newest first.
	Paginate(ctx context.Context, query Query) (Page, error)

	// Reconvert resets a job to pending for another conversion attempt, clearing
	// the converted text and the error message. This is the only way a terminal
	// job is reopened.
	// Returns orchestrator.ErrJobNotFound if the job does not exist.
	Reconvert(ctx context.Context, id string) error

	// RecordUnit atomically counts finished unit number unit of a data migration
	// job and appends detail to the error text when ok is false. A unit that is
	// already counted leaves the job unchanged. Once every unit is counted the
	// job becomes completed, or failed if any unit failed.
	// Returns the job after the update.
	RecordUnit(ctx context.Context, id string, unit int, ok bool, detail string) (orchestrator.Job, error)

	// HasUnit reports whether unit number unit of a data migration job is counted.
	// Returns orchestrator.ErrJobNotFound if the job does not exist.
	HasUnit(ctx context.Context, id string, unit int) (bool, error)

	// ListKinds returns the distinct job kinds present in the store.
	ListKinds(ctx context.Context) ([]orchestrator.JobKind, error)
}

// NewJob describes a job to create.
type NewJob struct {
	Kind     orchestrator.JobKind
	ParentID string

	// Status defaults to pending.
	Status orchestrator.Status
	Stages orchestrator.StageStatus

	ObjectType           orchestrator.ObjectType
	ObjectName           string
	SourceSchema         string
	TargetSchema         string
	SourceDBType         orchestrator.DatabaseType
	TargetDBType         orchestrator.DatabaseType
	SourceConnection     orchestrator.ConnectionRef
	TargetConnection     orchestrator.ConnectionRef
	DataMigrationEnabled bool

	OriginalText string
	Filename     string
	TotalUnits   int
}

// StatusAll matches every status in a Query.
const StatusAll = "all"

// Query selects a page of jobs.
type Query struct {
	// Kind restricts results to one job kind. Empty matches every kind.
	Kind orchestrator.JobKind

	// Search matches the job ID or text payloads, case-insensitively.
	Search string

	// Status is an exact status match, or StatusAll / empty for every status.
	Status string

	// Page is 1-based (default 1).
	Page int

	// Size is the page size (default 20).
	Size int
}

// Normalize applies defaults to Page and Size.
func (q Query) Normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size < 1 {
		q.Size = DefaultPageSize
	}
	if q.Size > MaxPageSize {
		q.Size = MaxPageSize
	}
	return q
}

// Offset returns the number of rows skipped before the page.
func (q Query) Offset() int {
	return (q.Page - 1) * q.Size
}

// FiltersStatus reports whether the query restricts the status.
func (q Query) FiltersStatus() bool {
	return q.Status != "" && q.Status != StatusAll
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// Page is one page of a paginated query.
type Page struct {
	Jobs       []orchestrator.Job `json:"jobs"`
	Total      int                `json:"total"`
	TotalPages int                `json:"total_pages"`
	Page       int                `json:"page"`
	Size       int                `json:"size"`
}

// TotalPages returns ceil(total/size).
func TotalPages(total, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// MergeDataMigration folds the data migration job of a child into the child's
// stage statuses, counters and consolidated error text.
func MergeDataMigration(child orchestrator.Job, dm orchestrator.Job) orchestrator.Job {
	child.Stages.DataMigration = dm.Status
	child.Counters = dm.Counters
	if dm.ErrorMessage != "" {
		detail := "Data Migration Error: " + dm.ErrorMessage
		if child.ErrorMessage == "" {
			child.ErrorMessage = detail
		} else {
			child.ErrorMessage = child.ErrorMessage + "; " + detail
		}
	}
	return child
}
