package orchestrator

import "context"

// Orchestrator creates parent/child job graphs for migration requests and
// aggregates child outcomes back into a parent view.
type Orchestrator interface {
	// Initiate creates the parent job, one extraction child per selected object,
	// and publishes one task per child. It returns the parent job ID without
	// waiting for any processing.
	//
	// A child whose object type has no configured queue is marked failed
	// immediately; the remaining children are still created and published.
	Initiate(ctx context.Context, req MigrationRequest) (string, error)

	// Aggregate returns the status view of a parent job.
	// The result only depends on the final set of child statuses, not on the
	// order in which they were reached.
	Aggregate(ctx context.Context, parentJobID string) (StatusView, error)
}

// ObjectRef selects one database object to migrate.
type ObjectRef struct {
	ObjectType ObjectType `json:"object_type"`
	ObjectName string     `json:"object_name"`
}

// MigrationRequest is a request to migrate a set of objects between two databases.
type MigrationRequest struct {
	SourceDBType         DatabaseType  `json:"source_db_type"`
	TargetDBType         DatabaseType  `json:"target_db_type"`
	SourceConnection     ConnectionRef `json:"source_connection"`
	TargetConnection     ConnectionRef `json:"target_connection,omitempty"`
	SourceSchema         string        `json:"source_schema"`
	TargetSchema         string        `json:"target_schema"`
	Objects              []ObjectRef   `json:"selected_objects"`
	DataMigrationEnabled bool          `json:"data_migration_enabled"`

	// ExtractOnly creates a ddl_parent job instead of a migration_workflow job.
	ExtractOnly bool `json:"extract_only,omitempty"`
}

// PipelineState classifies a parent job from its children.
type PipelineState string

const (
	// PipelineProcessing indicates at least one child is not terminal.
	PipelineProcessing PipelineState = "processing"

	// PipelineCompleted indicates every child finished successfully.
	PipelineCompleted PipelineState = "completed"

	// PipelineFailed indicates every child failed.
	PipelineFailed PipelineState = "failed"

	// PipelinePartial indicates every child is terminal with both successes and failures.
	PipelinePartial PipelineState = "partial"
)

// ChildView is one row of an aggregate view: a child with its merged stage statuses.
type ChildView struct {
	JobID         string      `json:"job_id"`
	Kind          JobKind     `json:"job_type"`
	ObjectType    ObjectType  `json:"object_type,omitempty"`
	ObjectName    string      `json:"object_name,omitempty"`
	Status        Status      `json:"status"`
	Stages        StageStatus `json:"stages"`
	Counters      Counters    `json:"counters"`
	Error         string      `json:"error_message,omitempty"`
	OriginalText  string      `json:"original_sql,omitempty"`
	ConvertedText string      `json:"converted_sql,omitempty"`
}

// StatusView is the aggregate view of a parent job.
// Processing, Succeeded and Failed partition Children.
type StatusView struct {
	ParentJobID string        `json:"job_id"`
	State       PipelineState `json:"state"`
	Children    []ChildView   `json:"child_jobs"`
	Processing  []ChildView   `json:"processing"`
	Succeeded   []ChildView   `json:"succeeded"`
	Failed      []ChildView   `json:"failed"`
}
