package dispatch

import (
	"context"
	"errors"

	"github.com/getpup/migration-orchestrator"
)

// Outcome classifies the result of a stage handler.
type Outcome int

const (
	// OutcomeSuccess means the handler finished and recorded its own status.
	OutcomeSuccess Outcome = iota

	// OutcomeTransient means the work may succeed on redelivery.
	OutcomeTransient

	// OutcomeTerminal means retrying cannot help. The job is marked failed.
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeTerminal:
		return "terminal"
	}
	return "unknown"
}

// Result is what a stage handler returns instead of panicking.
type Result struct {
	Outcome Outcome
	Err     error
}

// Success returns a successful result.
func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

// Transient returns a retryable result.
func Transient(err error) Result {
	return Result{Outcome: OutcomeTransient, Err: err}
}

// Terminal returns a non-retryable result.
func Terminal(err error) Result {
	return Result{Outcome: OutcomeTerminal, Err: err}
}

// FromError classifies err: nil is success; a TerminalValidationError,
// ErrInvalidTask, ErrJobNotFound or ErrNoQueueForObjectType is terminal;
// anything else is transient.
func FromError(err error) Result {
	switch {
	case err == nil:
		return Success()
	case orchestrator.IsTerminal(err),
		errors.Is(err, orchestrator.ErrInvalidTask),
		errors.Is(err, orchestrator.ErrJobNotFound),
		errors.Is(err, orchestrator.ErrNoQueueForObjectType):
		return Terminal(err)
	default:
		return Transient(err)
	}
}

// Handler processes one task of a stage.
type Handler interface {
	Handle(ctx context.Context, task orchestrator.Task) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task orchestrator.Task) Result

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task orchestrator.Task) Result {
	return f(ctx, task)
}

// FailureRecorder is implemented by handlers that persist terminal failures
// themselves, for example by counting a failed unit instead of failing the job.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, task orchestrator.Task, cause error) error
}
