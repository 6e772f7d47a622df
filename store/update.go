package store

import (
	"fmt"

	"github.com/getpup/migration-orchestrator"
)

// Column is an updatable job column.
type Column string

const (
	ColumnExtractionStatus    Column = "extraction_status"
	ColumnConversionStatus    Column = "conversion_status"
	ColumnExecutionStatus     Column = "execution_status"
	ColumnDataMigrationStatus Column = "data_migration_status"
	ColumnOriginalText        Column = "original_sql"
	ColumnConvertedText       Column = "converted_sql"
	ColumnErrorMessage        Column = "error_message"
	ColumnStatementResults    Column = "statement_results"
	ColumnTotalUnits          Column = "total_units"
	ColumnPublishedUnits      Column = "published_units"
)

var stageColumns = map[orchestrator.Stage]Column{
	orchestrator.StageExtraction:    ColumnExtractionStatus,
	orchestrator.StageConversion:    ColumnConversionStatus,
	orchestrator.StageExecution:     ColumnExecutionStatus,
	orchestrator.StageDataMigration: ColumnDataMigrationStatus,
}

// StageColumn returns the status column of a stage.
func StageColumn(stage orchestrator.Stage) Column {
	return stageColumns[stage]
}

// Field is one column assignment. A nil Value clears the column.
type Field struct {
	Column Column
	Value  any
}

// Update accumulates typed column assignments for a partial update.
// Only supplied columns are written. The zero value is an empty update.
//
//	update := store.Update{}.
//	    Stage(orchestrator.StageConversion, orchestrator.StatusCompleted).
//	    ConvertedText(sql).
//	    Clear(store.ColumnErrorMessage)
type Update struct {
	fields []Field
}

func (u Update) with(column Column, value any) Update {
	fields := make([]Field, 0, len(u.fields)+1)
	for _, f := range u.fields {
		if f.Column != column {
			fields = append(fields, f)
		}
	}
	return Update{fields: append(fields, Field{Column: column, Value: value})}
}

// Stage sets the status of one pipeline stage.
func (u Update) Stage(stage orchestrator.Stage, status orchestrator.Status) Update {
	return u.with(StageColumn(stage), status)
}

// OriginalText sets the source SQL.
func (u Update) OriginalText(text string) Update {
	return u.with(ColumnOriginalText, text)
}

// ConvertedText sets the converted SQL.
func (u Update) ConvertedText(text string) Update {
	return u.with(ColumnConvertedText, text)
}

// ErrorMessage sets the last failure detail.
func (u Update) ErrorMessage(msg string) Update {
	return u.with(ColumnErrorMessage, msg)
}

// StatementResults sets the per-statement execution outcomes.
func (u Update) StatementResults(results []orchestrator.StatementResult) Update {
	return u.with(ColumnStatementResults, results)
}

// TotalUnits sets the number of units of a data migration job.
func (u Update) TotalUnits(n int) Update {
	return u.with(ColumnTotalUnits, n)
}

// PublishedUnits sets how many units of a data migration job have been published.
func (u Update) PublishedUnits(n int) Update {
	return u.with(ColumnPublishedUnits, n)
}

// Clear sets a column to NULL.
func (u Update) Clear(column Column) Update {
	return u.with(column, nil)
}

// Fields returns the assignments in the order they were supplied.
// A repeated column keeps only its last assignment.
func (u Update) Fields() []Field {
	out := make([]Field, len(u.fields))
	copy(out, u.fields)
	return out
}

// IsEmpty reports whether the update assigns nothing.
func (u Update) IsEmpty() bool {
	return len(u.fields) == 0
}

// Validate checks that every column is known and every value has the column's type.
func (u Update) Validate() error {
	for _, f := range u.fields {
		if err := validateField(f); err != nil {
			return err
		}
	}
	return nil
}

func validateField(f Field) error {
	if f.Value == nil {
		switch f.Column {
		case ColumnExtractionStatus, ColumnConversionStatus, ColumnExecutionStatus, ColumnDataMigrationStatus,
			ColumnOriginalText, ColumnConvertedText, ColumnErrorMessage, ColumnStatementResults, ColumnTotalUnits:
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownColumn, f.Column)
	}

	var ok bool
	switch f.Column {
	case ColumnExtractionStatus, ColumnConversionStatus, ColumnExecutionStatus, ColumnDataMigrationStatus:
		_, ok = f.Value.(orchestrator.Status)
	case ColumnOriginalText, ColumnConvertedText, ColumnErrorMessage:
		_, ok = f.Value.(string)
	case ColumnStatementResults:
		_, ok = f.Value.([]orchestrator.StatementResult)
	case ColumnTotalUnits, ColumnPublishedUnits:
		_, ok = f.Value.(int)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownColumn, f.Column)
	}
	if !ok {
		return fmt.Errorf("%w: %s (%T)", ErrInvalidValue, f.Column, f.Value)
	}
	return nil
}

// Apply writes the fields of update onto job. Callers validate first.
func Apply(job *orchestrator.Job, update Update) {
	for _, f := range update.fields {
		switch f.Column {
		case ColumnExtractionStatus:
			job.Stages.Extraction = statusValue(f.Value)
		case ColumnConversionStatus:
			job.Stages.Conversion = statusValue(f.Value)
		case ColumnExecutionStatus:
			job.Stages.Execution = statusValue(f.Value)
		case ColumnDataMigrationStatus:
			job.Stages.DataMigration = statusValue(f.Value)
		case ColumnOriginalText:
			job.OriginalText = stringValue(f.Value)
		case ColumnConvertedText:
			job.ConvertedText = stringValue(f.Value)
		case ColumnErrorMessage:
			job.ErrorMessage = stringValue(f.Value)
		case ColumnStatementResults:
			results, _ := f.Value.([]orchestrator.StatementResult)
			job.StatementResults = results
		case ColumnTotalUnits:
			n, _ := f.Value.(int)
			job.Counters.TotalUnits = n
		case ColumnPublishedUnits:
			n, _ := f.Value.(int)
			job.Counters.PublishedUnits = n
		}
	}
}

func statusValue(v any) orchestrator.Status {
	s, _ := v.(orchestrator.Status)
	return s
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
