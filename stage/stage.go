// Package stage holds the handlers of the pipeline stages: extraction,
// conversion, execution and row insert. Each handler returns a dispatch.Result
// and leaves the ack decision to the dispatcher.
package stage

import (
	"context"

	"github.com/getpup/migration-orchestrator"
)

// Extractor reads the DDL of one object from a source database.
type Extractor interface {
	ExtractDDL(ctx context.Context, conn orchestrator.ConnectionRef, schema string, objectType orchestrator.ObjectType, name string) (string, error)
}

// ConversionInput is one conversion request. PreviousAttempt and
// PreviousError are set for a corrective attempt.
type ConversionInput struct {
	SourceDBType    orchestrator.DatabaseType
	TargetDBType    orchestrator.DatabaseType
	SQL             string
	PreviousAttempt string
	PreviousError   string
}

// IsCorrection reports whether the input asks to fix a failed attempt.
func (in ConversionInput) IsCorrection() bool {
	return in.PreviousError != ""
}

// Converter translates SQL into the target dialect.
type Converter interface {
	Convert(ctx context.Context, in ConversionInput) (string, error)
}

// Verifier dry-runs statements and never commits them. A statement the target
// rejects is reported as an *orchestrator.TerminalValidationError; any other
// error means the verification itself could not run.
type Verifier interface {
	Verify(ctx context.Context, statements []string) error
}

// Executor runs statements against a target database in one transaction,
// stopping at the first failure. With verify set the transaction is rolled back.
// The returned results cover every statement attempted.
type Executor interface {
	Execute(ctx context.Context, conn orchestrator.ConnectionRef, statements []string, verify bool) ([]orchestrator.StatementResult, error)
}

// RowSource reads every row of a source table.
type RowSource interface {
	FetchRows(ctx context.Context, conn orchestrator.ConnectionRef, schema, table string) (columns []string, rows [][]any, err error)
}

// RowWriter inserts one row into a target table.
type RowWriter interface {
	InsertRow(ctx context.Context, conn orchestrator.ConnectionRef, schema, table string, columns []string, values []any) error
}

// Publisher enqueues tasks. *broker.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, queue string, task orchestrator.Task) error
}
