package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/migration-orchestrator/dispatch"
	"github.com/getpup/migration-orchestrator/sanitizer"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/getpup/pupsourcing/es"
)

// ExecutionConfig configures an ExecutionHandler.
type ExecutionConfig struct {
	// Store is the job store (required).
	Store store.JobStore

	// Executor runs statements on the target (required).
	Executor Executor

	// Rows reads source rows for data migration. Without it, data migration
	// requests fail the execution terminally.
	Rows RowSource

	// Publisher enqueues row insert tasks (required for data migration).
	Publisher Publisher

	// Logger is optional.
	Logger es.Logger
}

// ExecutionHandler runs converted statements against the target database and
// fans table data out to the row insert queue.
type ExecutionHandler struct {
	config ExecutionConfig
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(config ExecutionConfig) *ExecutionHandler {
	return &ExecutionHandler{config: config}
}

// Handle implements dispatch.Handler.
func (h *ExecutionHandler) Handle(ctx context.Context, task orchestrator.Task) dispatch.Result {
	job, err := h.config.Store.GetJob(ctx, task.JobID)
	if err != nil {
		return dispatch.FromError(err)
	}
	if job.Status.IsTerminal() {
		return dispatch.Success()
	}

	statements := task.Statements
	if len(statements) == 0 {
		statements = sanitizer.SanitizeFor(firstText(job.ConvertedText, job.OriginalText), orchestrator.DatabasePostgres)
	}
	if len(statements) == 0 {
		return dispatch.Terminal(errors.New("no statements to execute"))
	}

	if job.Stages.Execution != orchestrator.StatusCompleted {
		if res := h.execute(ctx, task, job, statements); res.Outcome != dispatch.OutcomeSuccess {
			return res
		}
	}

	if wantsDataMigration(task) && job.Stages.DataMigration == "" {
		if res := h.fanOut(ctx, task, job); res.Outcome != dispatch.OutcomeSuccess {
			return res
		}
	}

	final := orchestrator.StatusVerified
	if job.Kind == orchestrator.KindSQLExecution && !task.IsVerification {
		final = orchestrator.StatusCompleted
	}
	return dispatch.FromError(h.config.Store.UpdateStatus(ctx, task.JobID, final,
		store.Update{}.Clear(store.ColumnErrorMessage)))
}

// execute runs the statements and records the per-statement results.
// A rejected statement is retried: an object may depend on a sibling that has
// not been created yet.
func (h *ExecutionHandler) execute(ctx context.Context, task orchestrator.Task, job orchestrator.Job, statements []string) dispatch.Result {
	err := h.config.Store.UpdateStatus(ctx, task.JobID, orchestrator.StatusProcessing,
		store.Update{}.Stage(orchestrator.StageExecution, orchestrator.StatusProcessing))
	if err != nil {
		return dispatch.FromError(err)
	}

	conn := firstConnection(task.TargetConnection, job.TargetConnection)
	results, err := h.config.Executor.Execute(ctx, conn, statements, task.IsVerification)
	if err != nil {
		if len(results) > 0 {
			if uerr := h.config.Store.Update(ctx, task.JobID, store.Update{}.StatementResults(results)); uerr != nil && h.config.Logger != nil {
				h.config.Logger.Error(ctx, "failed to store statement results", "jobID", task.JobID, "error", uerr)
			}
		}
		return dispatch.Transient(fmt.Errorf("failed to execute statements: %w", err))
	}

	err = h.config.Store.Update(ctx, task.JobID, store.Update{}.
		Stage(orchestrator.StageExecution, orchestrator.StatusCompleted).
		StatementResults(results))
	if err != nil {
		return dispatch.FromError(err)
	}

	if h.config.Logger != nil {
		h.config.Logger.Info(ctx, "executed statements", "jobID", task.JobID,
			"statements", len(statements), "verification", task.IsVerification)
	}
	return dispatch.Success()
}

// fanOut creates the data migration job of a table and publishes one row per
// message. A retry after a partial fan-out reuses the existing data migration
// job and resumes after the last published row.
func (h *ExecutionHandler) fanOut(ctx context.Context, task orchestrator.Task, job orchestrator.Job) dispatch.Result {
	if h.config.Rows == nil || h.config.Publisher == nil {
		return dispatch.Terminal(errors.New("data migration is not configured"))
	}

	schema := firstText(task.SourceSchema, job.SourceSchema)
	table := firstText(task.ObjectName, job.ObjectName)
	columns, rows, err := h.config.Rows.FetchRows(ctx, firstConnection(task.SourceConnection, job.SourceConnection), schema, table)
	if err != nil {
		return dispatch.Transient(fmt.Errorf("failed to fetch rows of %s.%s: %w", schema, table, err))
	}

	status := orchestrator.StatusInProgress
	if len(rows) == 0 {
		status = orchestrator.StatusCompleted
	}
	dm, found, err := h.existingDataMigration(ctx, task.JobID)
	if err != nil {
		return dispatch.FromError(err)
	}
	if !found {
		dm, err = h.config.Store.CreateJob(ctx, store.NewJob{
			Kind:             orchestrator.KindDataMigration,
			ParentID:         task.JobID,
			Status:           status,
			Stages:           orchestrator.StageStatus{DataMigration: status},
			ObjectType:       orchestrator.ObjectTable,
			ObjectName:       table,
			SourceSchema:     schema,
			TargetSchema:     firstText(task.TargetSchema, job.TargetSchema),
			SourceDBType:     job.SourceDBType,
			TargetDBType:     job.TargetDBType,
			TargetConnection: firstConnection(task.TargetConnection, job.TargetConnection),
			TotalUnits:       len(rows),
		})
		if err != nil {
			return dispatch.FromError(err)
		}
	} else if dm.Counters.TotalUnits < len(rows) {
		rows = rows[:dm.Counters.TotalUnits]
	}
	status = orchestrator.StatusInProgress
	if dm.Counters.TotalUnits == 0 {
		status = orchestrator.StatusCompleted
	}

	for i := dm.Counters.PublishedUnits; i < len(rows); i++ {
		rowTask := orchestrator.Task{
			JobID:            dm.ID,
			ParentJobID:      task.JobID,
			TargetDBType:     dm.TargetDBType,
			TargetConnection: dm.TargetConnection,
			TargetSchema:     dm.TargetSchema,
			ObjectType:       orchestrator.ObjectTable,
			ObjectName:       table,
			TargetTable:      table,
			RowNumber:        i + 1,
			RowData:          rows[i],
			ColumnNames:      columns,
		}
		if err := h.config.Publisher.Publish(ctx, broker.RowInsertQueue, rowTask); err != nil {
			h.checkpoint(ctx, dm.ID, i)
			return dispatch.Transient(fmt.Errorf("failed to publish row %d: %w", i+1, err))
		}
	}
	if dm.Counters.PublishedUnits < len(rows) {
		h.checkpoint(ctx, dm.ID, len(rows))
	}

	err = h.config.Store.Update(ctx, task.JobID, store.Update{}.Stage(orchestrator.StageDataMigration, status))
	if err != nil {
		return dispatch.FromError(err)
	}

	if h.config.Logger != nil {
		h.config.Logger.Info(ctx, "queued data migration", "jobID", task.JobID,
			"dataMigrationJobID", dm.ID, "rows", len(rows), "resumedAt", dm.Counters.PublishedUnits)
	}
	return dispatch.Success()
}

// existingDataMigration returns the newest data migration job of an object job.
func (h *ExecutionHandler) existingDataMigration(ctx context.Context, objectJobID string) (orchestrator.Job, bool, error) {
	children, err := h.config.Store.GetChildren(ctx, objectJobID)
	if err != nil {
		return orchestrator.Job{}, false, err
	}
	for i := len(children) - 1; i >= 0; i-- {
		if children[i].Kind == orchestrator.KindDataMigration {
			return children[i], true, nil
		}
	}
	return orchestrator.Job{}, false, nil
}

// checkpoint records how many rows of a data migration job are published.
// A lost checkpoint only causes rows to be published again, which the row
// handler absorbs.
func (h *ExecutionHandler) checkpoint(ctx context.Context, dmID string, published int) {
	err := h.config.Store.Update(ctx, dmID, store.Update{}.PublishedUnits(published))
	if err != nil && h.config.Logger != nil {
		h.config.Logger.Error(ctx, "failed to checkpoint published rows", "jobID", dmID, "published", published, "error", err)
	}
}

func wantsDataMigration(task orchestrator.Task) bool {
	return task.ObjectType == orchestrator.ObjectTable && task.DataMigrationEnabled && !task.IsVerification
}

func firstText(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

func firstConnection(candidates ...orchestrator.ConnectionRef) orchestrator.ConnectionRef {
	for _, c := range candidates {
		if len(c) > 0 {
			return c
		}
	}
	return nil
}
