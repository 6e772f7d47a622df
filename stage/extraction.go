package stage

import (
	"context"
	"fmt"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/migration-orchestrator/dispatch"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/getpup/pupsourcing/es"
)

// ExtractionConfig configures an ExtractionHandler.
type ExtractionConfig struct {
	// Store is the job store (required).
	Store store.JobStore

	// Extractors maps source engines to extractors. An engine without an
	// extractor fails its jobs terminally.
	Extractors map[orchestrator.DatabaseType]Extractor

	// Publisher enqueues the conversion task (required).
	Publisher Publisher

	// Logger is optional.
	Logger es.Logger
}

// ExtractionHandler extracts an object's DDL and hands it to conversion.
type ExtractionHandler struct {
	config ExtractionConfig
}

// NewExtractionHandler creates an ExtractionHandler.
func NewExtractionHandler(config ExtractionConfig) *ExtractionHandler {
	return &ExtractionHandler{config: config}
}

// Handle implements dispatch.Handler.
func (h *ExtractionHandler) Handle(ctx context.Context, task orchestrator.Task) dispatch.Result {
	job, err := h.config.Store.GetJob(ctx, task.JobID)
	if err != nil {
		return dispatch.FromError(err)
	}
	if job.Status.IsTerminal() {
		return dispatch.Success()
	}

	extractor, ok := h.config.Extractors[task.SourceDBType]
	if !ok {
		return dispatch.Terminal(fmt.Errorf("unsupported source database %q", task.SourceDBType))
	}
	if !task.ObjectType.IsKnown() {
		return dispatch.Terminal(fmt.Errorf("unsupported object type %q", task.ObjectType))
	}

	err = h.config.Store.UpdateStatus(ctx, task.JobID, orchestrator.StatusProcessing,
		store.Update{}.Stage(orchestrator.StageExtraction, orchestrator.StatusProcessing))
	if err != nil {
		return dispatch.FromError(err)
	}

	ddl, err := extractor.ExtractDDL(ctx, task.SourceConnection, task.SourceSchema, task.ObjectType, task.ObjectName)
	if err != nil {
		return dispatch.FromError(fmt.Errorf("failed to extract %s %s.%s: %w", task.ObjectType, task.SourceSchema, task.ObjectName, err))
	}

	if task.ExtractOnly {
		err = h.config.Store.UpdateStatus(ctx, task.JobID, orchestrator.StatusCompleted, store.Update{}.
			Stage(orchestrator.StageExtraction, orchestrator.StatusCompleted).
			OriginalText(ddl).
			Clear(store.ColumnErrorMessage))
		return dispatch.FromError(err)
	}

	err = h.config.Store.UpdateStatus(ctx, task.JobID, orchestrator.StatusExtracted, store.Update{}.
		Stage(orchestrator.StageExtraction, orchestrator.StatusCompleted).
		Stage(orchestrator.StageConversion, orchestrator.StatusQueued).
		OriginalText(ddl).
		Clear(store.ColumnErrorMessage))
	if err != nil {
		return dispatch.FromError(err)
	}

	next := task
	next.OriginalSQL = ddl
	if err := h.config.Publisher.Publish(ctx, broker.ConversionQueue, next); err != nil {
		return dispatch.Transient(err)
	}

	if h.config.Logger != nil {
		h.config.Logger.Info(ctx, "extracted object", "jobID", task.JobID,
			"objectType", task.ObjectType, "objectName", task.ObjectName)
	}
	return dispatch.Success()
}
