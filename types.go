package orchestrator

import (
	"encoding/json"
	"strings"
	"time"
)

// JobKind identifies what a job tracks.
// Extraction jobs use a per-object-type kind such as "table_extraction".
type JobKind string

const (
	// KindMigrationWorkflow is the root job of a migration request.
	KindMigrationWorkflow JobKind = "migration_workflow"

	// KindDDLParent is the root job of a pure extraction request.
	KindDDLParent JobKind = "ddl_parent"

	// KindDDLChild is a child of a ddl_parent job.
	KindDDLChild JobKind = "ddl_child"

	// KindConversion tracks a standalone conversion request.
	KindConversion JobKind = "conversion"

	// KindSQLExecution tracks a submitted SQL file executed against a target.
	KindSQLExecution JobKind = "sql_execution"

	// KindDataMigration tracks row-level data migration of one table.
	// Its parent is the object child job whose table is being filled.
	KindDataMigration JobKind = "data_migration"
)

// ExtractionKind returns the job kind for extracting an object of the given type.
func ExtractionKind(objectType ObjectType) JobKind {
	return JobKind(strings.ToLower(string(objectType)) + "_extraction")
}

// IsExtraction reports whether the kind is a per-object extraction kind.
func (k JobKind) IsExtraction() bool {
	return strings.HasSuffix(string(k), "_extraction")
}

// IsRoot reports whether jobs of this kind are created without a parent.
func (k JobKind) IsRoot() bool {
	return k == KindMigrationWorkflow || k == KindDDLParent || k == KindSQLExecution || k == KindConversion
}

// Status is the lifecycle status of a job or of one of its stages.
type Status string

const (
	// StatusPending indicates the job was created and has not been picked up.
	StatusPending Status = "pending"

	// StatusQueued indicates a task for the job was published.
	StatusQueued Status = "queued"

	// StatusProcessing indicates a worker is processing the job.
	StatusProcessing Status = "processing"

	// StatusExtracted indicates the source DDL was extracted and conversion is next.
	StatusExtracted Status = "extracted"

	// StatusConverted indicates the converted SQL passed verification and execution is next.
	StatusConverted Status = "converted"

	// StatusInProgress indicates a data migration job has rows in flight.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates a stage or job finished successfully.
	StatusCompleted Status = "completed"

	// StatusVerified indicates the converted SQL was executed successfully on the target.
	StatusVerified Status = "verified"

	// StatusFailed indicates a terminal failure. ErrorMessage holds the detail.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further transition is expected for the status.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusCompleted || s == StatusFailed
}

// IsSuccess reports whether the status is a successful terminal status.
func (s Status) IsSuccess() bool {
	return s == StatusVerified || s == StatusCompleted
}

// CanTransition reports whether a job in status s may be moved to next.
// Terminal jobs only accept their own status again, so a redelivered
// update is harmless while a late update never reopens the job.
func (s Status) CanTransition(next Status) bool {
	if !s.IsTerminal() {
		return true
	}
	return s == next
}

// Stage is one phase of the pipeline with its own status field.
type Stage string

const (
	StageExtraction    Stage = "extraction"
	StageConversion    Stage = "conversion"
	StageExecution     Stage = "execution"
	StageDataMigration Stage = "data_migration"
)

// Stages lists the pipeline stages in processing order.
var Stages = []Stage{StageExtraction, StageConversion, StageExecution, StageDataMigration}

// ObjectType is the type of a migrated database object.
type ObjectType string

const (
	ObjectTable     ObjectType = "TABLE"
	ObjectView      ObjectType = "VIEW"
	ObjectProcedure ObjectType = "PROCEDURE"
	ObjectFunction  ObjectType = "FUNCTION"
	ObjectIndex     ObjectType = "INDEX"
	ObjectPackage   ObjectType = "PACKAGE"
	ObjectTrigger   ObjectType = "TRIGGER"
)

// ObjectTypes lists every object type that has an extraction queue by default.
var ObjectTypes = []ObjectType{
	ObjectTable, ObjectView, ObjectProcedure, ObjectFunction, ObjectIndex, ObjectPackage, ObjectTrigger,
}

// NormalizeObjectType upper-cases and trims an object type received from a client.
func NormalizeObjectType(s string) ObjectType {
	return ObjectType(strings.ToUpper(strings.TrimSpace(s)))
}

// IsKnown reports whether t is one of ObjectTypes.
func (t ObjectType) IsKnown() bool {
	for _, known := range ObjectTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DatabaseType names a source or target database engine.
type DatabaseType string

const (
	DatabaseOracle    DatabaseType = "oracle"
	DatabaseMySQL     DatabaseType = "mysql"
	DatabaseSQLServer DatabaseType = "sqlserver"
	DatabaseTeradata  DatabaseType = "teradata"
	DatabaseDB2       DatabaseType = "db2"
	DatabasePostgres  DatabaseType = "postgres"
)

// ConnectionRef is an opaque, serialized set of connection parameters.
// The orchestration core stores and forwards it without interpreting it.
type ConnectionRef = json.RawMessage

// StageStatus holds the independent status of each pipeline stage.
// An empty value means the stage is not used by the job.
type StageStatus struct {
	Extraction    Status `json:"extraction_status,omitempty"`
	Conversion    Status `json:"conversion_status,omitempty"`
	Execution     Status `json:"execution_status,omitempty"`
	DataMigration Status `json:"data_migration_status,omitempty"`
}

// Get returns the status of one stage.
func (s StageStatus) Get(stage Stage) Status {
	switch stage {
	case StageExtraction:
		return s.Extraction
	case StageConversion:
		return s.Conversion
	case StageExecution:
		return s.Execution
	case StageDataMigration:
		return s.DataMigration
	}
	return ""
}

// Set updates the status of one stage.
func (s *StageStatus) Set(stage Stage, status Status) {
	switch stage {
	case StageExtraction:
		s.Extraction = status
	case StageConversion:
		s.Conversion = status
	case StageExecution:
		s.Execution = status
	case StageDataMigration:
		s.DataMigration = status
	}
}

// Counters track unit progress of data migration jobs (one unit per row).
type Counters struct {
	TotalUnits     int `json:"total_units"`
	SucceededUnits int `json:"succeeded_units"`
	FailedUnits    int `json:"failed_units"`

	// PublishedUnits is how many units have been handed to the broker so far.
	PublishedUnits int `json:"published_units,omitempty"`
}

// Done reports whether every unit has been accounted for.
func (c Counters) Done() bool {
	return c.TotalUnits > 0 && c.SucceededUnits+c.FailedUnits >= c.TotalUnits
}

// StatementResult is the outcome of executing one statement.
type StatementResult struct {
	Statement string `json:"statement"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Job is the unit of orchestration tracking.
type Job struct {
	// ID is the unique identifier for this job (UUID).
	ID string `json:"job_id"`

	// ParentID is the parent job. Empty for root jobs.
	ParentID string `json:"parent_job_id,omitempty"`

	// Kind is what the job tracks.
	Kind JobKind `json:"job_type"`

	// Status is the overall status of the job.
	Status Status `json:"status"`

	// Stages holds per-stage statuses.
	Stages StageStatus `json:"stages"`

	// ObjectType, ObjectName, SourceSchema and TargetSchema identify the migrated entity.
	ObjectType   ObjectType `json:"object_type,omitempty"`
	ObjectName   string     `json:"object_name,omitempty"`
	SourceSchema string     `json:"source_schema,omitempty"`
	TargetSchema string     `json:"target_schema,omitempty"`

	// SourceDBType and TargetDBType name the engines on both sides.
	SourceDBType DatabaseType `json:"source_db_type,omitempty"`
	TargetDBType DatabaseType `json:"target_db_type,omitempty"`

	// SourceConnection and TargetConnection are opaque connection parameters.
	SourceConnection ConnectionRef `json:"source_connection,omitempty"`
	TargetConnection ConnectionRef `json:"target_connection,omitempty"`

	// DataMigrationEnabled requests row-level data migration after execution (tables only).
	DataMigrationEnabled bool `json:"data_migration_enabled"`

	// OriginalText is the source SQL (extracted DDL or submitted file).
	OriginalText string `json:"original_sql,omitempty"`

	// ConvertedText is the converted target SQL.
	ConvertedText string `json:"converted_sql,omitempty"`

	// ErrorMessage is the last failure detail.
	ErrorMessage string `json:"error_message,omitempty"`

	// Filename is the name of a submitted SQL file.
	Filename string `json:"filename,omitempty"`

	// StatementResults holds per-statement execution outcomes.
	StatementResults []StatementResult `json:"statement_results,omitempty"`

	// Counters track row units for data migration jobs.
	Counters Counters `json:"counters"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot reports whether the job has no parent.
func (j Job) IsRoot() bool {
	return j.ParentID == ""
}
