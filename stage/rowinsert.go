package stage

import (
	"context"
	"fmt"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/dispatch"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/getpup/pupsourcing/es"
)

// RowInsertConfig configures a RowInsertHandler.
type RowInsertConfig struct {
	// Store is the job store (required).
	Store store.JobStore

	// Writer inserts rows into the target (required).
	Writer RowWriter

	// Logger is optional.
	Logger es.Logger
}

// RowInsertHandler inserts one source row and counts it against its data
// migration job. A failed row is counted instead of failing the job, so the
// remaining rows keep flowing. Rows are keyed by row number; a redelivered
// row that is already counted is acknowledged without being inserted again.
type RowInsertHandler struct {
	config RowInsertConfig
}

// NewRowInsertHandler creates a RowInsertHandler.
func NewRowInsertHandler(config RowInsertConfig) *RowInsertHandler {
	return &RowInsertHandler{config: config}
}

// Handle implements dispatch.Handler.
func (h *RowInsertHandler) Handle(ctx context.Context, task orchestrator.Task) dispatch.Result {
	if len(task.ColumnNames) == 0 || len(task.ColumnNames) != len(task.RowData) {
		return dispatch.Terminal(fmt.Errorf("%w: row has %d values for %d columns",
			orchestrator.ErrInvalidTask, len(task.RowData), len(task.ColumnNames)))
	}

	if task.RowNumber < 1 {
		return dispatch.Terminal(fmt.Errorf("%w: row number %d", orchestrator.ErrInvalidTask, task.RowNumber))
	}

	counted, err := h.config.Store.HasUnit(ctx, task.JobID, task.RowNumber)
	if err != nil {
		return dispatch.FromError(err)
	}
	if counted {
		if h.config.Logger != nil {
			h.config.Logger.Info(ctx, "row already counted", "jobID", task.JobID, "row", task.RowNumber)
		}
		return dispatch.Success()
	}

	table := firstText(task.TargetTable, task.ObjectName)
	err = h.config.Writer.InsertRow(ctx, task.TargetConnection, task.TargetSchema, table, task.ColumnNames, task.RowData)
	if err != nil {
		return dispatch.FromError(err)
	}

	job, err := h.config.Store.RecordUnit(ctx, task.JobID, task.RowNumber, true, "")
	if err != nil {
		return dispatch.FromError(err)
	}
	if job.Status.IsTerminal() && h.config.Logger != nil {
		h.config.Logger.Info(ctx, "data migration finished", "jobID", task.JobID, "status", job.Status,
			"succeeded", job.Counters.SucceededUnits, "failed", job.Counters.FailedUnits)
	}
	return dispatch.Success()
}

// RecordFailure implements dispatch.FailureRecorder by counting the row as failed.
func (h *RowInsertHandler) RecordFailure(ctx context.Context, task orchestrator.Task, cause error) error {
	detail := fmt.Sprintf("Row %d: %v", task.RowNumber, cause)
	_, err := h.config.Store.RecordUnit(ctx, task.JobID, task.RowNumber, false, detail)
	return err
}
