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

// CorrectionPrompt is the instruction sent with a corrective conversion.
const CorrectionPrompt = "The following PostgreSQL code failed with the error: %s. Please fix it.\n\n%s"

// ConversionConfig configures a ConversionHandler.
type ConversionConfig struct {
	// Store is the job store (required).
	Store store.JobStore

	// Converter translates source SQL (required).
	Converter Converter

	// Verifier dry-runs converted SQL. Without one, conversion output is
	// accepted unverified.
	Verifier Verifier

	// Publisher enqueues the execution task (required).
	Publisher Publisher

	// Logger is optional.
	Logger es.Logger
}

// ConversionHandler converts an object's SQL, verifies it with one
// self-correction attempt and hands it to execution.
type ConversionHandler struct {
	config ConversionConfig
}

// NewConversionHandler creates a ConversionHandler.
func NewConversionHandler(config ConversionConfig) *ConversionHandler {
	return &ConversionHandler{config: config}
}

// Handle implements dispatch.Handler.
func (h *ConversionHandler) Handle(ctx context.Context, task orchestrator.Task) dispatch.Result {
	job, err := h.config.Store.GetJob(ctx, task.JobID)
	if err != nil {
		return dispatch.FromError(err)
	}
	if job.Status.IsTerminal() {
		return dispatch.Success()
	}

	source := task.OriginalSQL
	if source == "" {
		source = job.OriginalText
	}
	if source == "" {
		return dispatch.Terminal(errors.New("no SQL to convert"))
	}

	err = h.config.Store.UpdateStatus(ctx, task.JobID, orchestrator.StatusProcessing,
		store.Update{}.Stage(orchestrator.StageConversion, orchestrator.StatusProcessing))
	if err != nil {
		return dispatch.FromError(err)
	}

	input := ConversionInput{
		SourceDBType: firstDatabase(task.SourceDBType, job.SourceDBType),
		TargetDBType: firstDatabase(task.TargetDBType, job.TargetDBType, orchestrator.DatabasePostgres),
		SQL:          source,
	}
	converted, statements, err := h.convert(ctx, input)
	if err != nil {
		if orchestrator.IsTerminal(err) && converted != "" {
			update := store.Update{}.ConvertedText(converted)
			if uerr := h.config.Store.Update(ctx, task.JobID, update); uerr != nil && h.config.Logger != nil {
				h.config.Logger.Error(ctx, "failed to store rejected conversion", "jobID", task.JobID, "error", uerr)
			}
		}
		return dispatch.FromError(err)
	}

	update := store.Update{}.
		Stage(orchestrator.StageConversion, orchestrator.StatusCompleted).
		ConvertedText(converted).
		Clear(store.ColumnErrorMessage)

	if job.Kind == orchestrator.KindConversion {
		return dispatch.FromError(h.config.Store.UpdateStatus(ctx, task.JobID, orchestrator.StatusCompleted, update))
	}

	update = update.Stage(orchestrator.StageExecution, orchestrator.StatusQueued)
	if err := h.config.Store.UpdateStatus(ctx, task.JobID, orchestrator.StatusConverted, update); err != nil {
		return dispatch.FromError(err)
	}

	next := task
	next.OriginalSQL = ""
	next.Statements = statements
	next.SourceDBType = input.SourceDBType
	next.TargetDBType = input.TargetDBType
	if err := h.config.Publisher.Publish(ctx, broker.ExecutionQueue, next); err != nil {
		return dispatch.Transient(err)
	}

	if h.config.Logger != nil {
		h.config.Logger.Info(ctx, "converted object", "jobID", task.JobID, "statements", len(statements))
	}
	return dispatch.Success()
}

// convert runs the converter and verifies its output. A rejected output is
// fed back once with the verification error. The last converted text is
// returned even when it was rejected.
func (h *ConversionHandler) convert(ctx context.Context, input ConversionInput) (string, []string, error) {
	converted, err := h.config.Converter.Convert(ctx, input)
	if err != nil {
		return "", nil, fmt.Errorf("failed to convert: %w", err)
	}
	statements := sanitizer.SanitizeFor(converted, orchestrator.DatabasePostgres)

	verr := h.verify(ctx, statements)
	if verr == nil {
		return converted, statements, nil
	}
	if !orchestrator.IsTerminal(verr) {
		return converted, nil, verr
	}

	if h.config.Logger != nil {
		h.config.Logger.Info(ctx, "verification failed, requesting correction", "error", verr)
	}

	input.PreviousAttempt = converted
	input.PreviousError = verificationDetail(verr)
	corrected, err := h.config.Converter.Convert(ctx, input)
	if err != nil {
		return converted, nil, fmt.Errorf("failed to correct conversion: %w", err)
	}
	statements = sanitizer.SanitizeFor(corrected, orchestrator.DatabasePostgres)

	if err := h.verify(ctx, statements); err != nil {
		if orchestrator.IsTerminal(err) {
			return corrected, nil, orchestrator.Terminal(fmt.Errorf("converted SQL failed verification after correction: %s", verificationDetail(err)))
		}
		return corrected, nil, err
	}
	return corrected, statements, nil
}

func (h *ConversionHandler) verify(ctx context.Context, statements []string) error {
	if len(statements) == 0 {
		return orchestrator.Terminal(errors.New("conversion produced no statements"))
	}
	if h.config.Verifier == nil {
		return nil
	}
	return h.config.Verifier.Verify(ctx, statements)
}

// verificationDetail unwraps the taxonomy wrapper so the prompt carries the
// database message only.
func verificationDetail(err error) string {
	var terminal *orchestrator.TerminalValidationError
	if errors.As(err, &terminal) && terminal.Err != nil {
		return terminal.Err.Error()
	}
	return err.Error()
}

func firstDatabase(candidates ...orchestrator.DatabaseType) orchestrator.DatabaseType {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}
