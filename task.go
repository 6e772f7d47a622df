package orchestrator

import (
	"encoding/json"
	"fmt"
)

// Task is the wire envelope published to a stage queue.
// It is never persisted; the job store is the durable record.
type Task struct {
	// JobID is the job the task operates on (required).
	JobID string `json:"job_id"`

	// ParentJobID is the parent of JobID, if any.
	ParentJobID string `json:"parent_job_id,omitempty"`

	SourceDBType     DatabaseType  `json:"source_db_type,omitempty"`
	TargetDBType     DatabaseType  `json:"target_db_type,omitempty"`
	SourceConnection ConnectionRef `json:"source_connection,omitempty"`
	TargetConnection ConnectionRef `json:"target_connection,omitempty"`
	SourceSchema     string        `json:"source_schema,omitempty"`
	TargetSchema     string        `json:"target_schema,omitempty"`
	ObjectType       ObjectType    `json:"object_type,omitempty"`
	ObjectName       string        `json:"object_name,omitempty"`

	DataMigrationEnabled bool `json:"data_migration_enabled,omitempty"`

	// ExtractOnly stops the pipeline after extraction.
	ExtractOnly bool `json:"extract_only,omitempty"`

	// OriginalSQL is the SQL to convert (conversion stage).
	OriginalSQL string `json:"original_sql,omitempty"`

	// Statements are the sanitized statements to execute (execution stage).
	Statements []string `json:"sanitized_sql_statements,omitempty"`

	// IsVerification marks an execution that must roll back after running.
	IsVerification bool `json:"is_verification,omitempty"`

	// RowNumber, RowData and ColumnNames carry one source row (row insert stage).
	RowNumber   int      `json:"row_number,omitempty"`
	RowData     []any    `json:"row_data,omitempty"`
	ColumnNames []string `json:"column_names,omitempty"`

	// TargetTable names the table a data migration job fills.
	TargetTable string `json:"target_table,omitempty"`
}

// DecodeTask decodes a task envelope and checks the fields every stage needs.
func DecodeTask(body []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if task.JobID == "" {
		return Task{}, fmt.Errorf("%w: job_id is required", ErrInvalidTask)
	}
	return task, nil
}

// Encode serializes the task for publishing.
func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}
