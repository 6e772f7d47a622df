// Package dispatch consumes stage queues, runs stage handlers and decides
// whether each delivery is acknowledged, requeued or dead-lettered.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/migration-orchestrator/internal/validate"
	"github.com/getpup/migration-orchestrator/metrics"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/getpup/pupsourcing/es"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultMaxRetries bounds how many failed attempts a message gets.
const DefaultMaxRetries = 3

// Decision is the final action taken on a delivery.
type Decision string

const (
	// DecisionAck removes a delivery after success.
	DecisionAck Decision = metrics.OutcomeAck

	// DecisionRequeue returns a delivery to its queue for another attempt.
	DecisionRequeue Decision = metrics.OutcomeRequeue

	// DecisionDeadLetter rejects a delivery without requeue so it reaches the DLQ.
	DecisionDeadLetter Decision = metrics.OutcomeDeadLetter

	// DecisionFailed removes a delivery after its job was marked failed.
	DecisionFailed Decision = metrics.OutcomeFailed
)

// Republisher puts a message back on a queue. *broker.Publisher implements it.
type Republisher interface {
	PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

// Config configures a Dispatcher.
type Config struct {
	// Queue is the consumed queue (required).
	Queue string

	// Stage is the stage whose status column is marked failed on terminal failure (required).
	Stage orchestrator.Stage

	// Handler processes decoded tasks (required).
	Handler Handler

	// Store is the job store (required).
	Store store.JobStore

	// MaxRetries is the number of failed attempts after which a job is marked
	// failed instead of requeued (default: 3).
	MaxRetries int

	// AckEarly acknowledges a delivery before the handler runs. Use it for
	// stages whose handler records its own terminal status durably.
	// Retries of an acknowledged delivery are republished with an incremented
	// retry count through Republisher.
	AckEarly bool

	// Republisher is required when AckEarly is set.
	Republisher Republisher

	// Propagator extracts the trace context from headers.
	// Defaults to W3C trace context and baggage.
	Propagator propagation.TextMapPropagator

	// Logger is optional.
	Logger es.Logger

	// Collector is optional.
	Collector *metrics.Collector
}

// Dispatcher applies the ack, retry and dead-letter policy to deliveries of one queue.
type Dispatcher struct {
	config Config
}

// New creates a Dispatcher, applying the default MaxRetries.
func New(config Config) (*Dispatcher, error) {
	if config.Queue == "" {
		return nil, errors.New("dispatch: queue is required")
	}
	if config.Handler == nil {
		return nil, errors.New("dispatch: handler is required")
	}
	if config.Store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	if config.AckEarly && config.Republisher == nil {
		return nil, errors.New("dispatch: republisher is required with AckEarly")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	return &Dispatcher{config: config}, nil
}

// Queue returns the consumed queue.
func (d *Dispatcher) Queue() string {
	return d.config.Queue
}

// Dispatch processes one delivery to a terminal decision.
func (d *Dispatcher) Dispatch(ctx context.Context, msg broker.Message) Decision {
	queue := d.config.Queue
	d.config.Collector.AddInFlight(queue, 1)
	defer d.config.Collector.AddInFlight(queue, -1)

	ctx = broker.ExtractTrace(ctx, msg.Headers(), d.config.Propagator)
	decision := d.dispatch(ctx, msg)
	d.config.Collector.IncMessages(queue, string(decision))
	return decision
}

func (d *Dispatcher) dispatch(ctx context.Context, msg broker.Message) Decision {
	task, err := d.decode(msg.Body())
	if err != nil {
		d.logError(ctx, "rejecting malformed task", "queue", d.config.Queue, "error", err)
		return d.settle(ctx, msg, DecisionDeadLetter)
	}

	attempts := broker.Attempts(msg.Headers(), d.config.Queue)
	if attempts >= d.config.MaxRetries {
		d.config.Collector.IncRetriesExhausted(d.config.Queue)
		cause := fmt.Errorf("max retries (%d) exceeded", d.config.MaxRetries)
		d.logError(ctx, "retry budget exhausted", "jobID", task.JobID, "queue", d.config.Queue, "attempts", attempts)
		return d.fail(ctx, msg, task, cause, attempts, false)
	}

	acked := false
	if d.config.AckEarly {
		if err := msg.Ack(); err != nil {
			d.logError(ctx, "failed to ack message", "jobID", task.JobID, "error", err)
			return DecisionRequeue
		}
		acked = true
	}

	start := time.Now()
	result := d.run(ctx, task)
	d.config.Collector.ObserveStageDuration(string(d.config.Stage), time.Since(start).Seconds())

	switch result.Outcome {
	case OutcomeSuccess:
		if acked {
			return DecisionAck
		}
		return d.settle(ctx, msg, DecisionAck)

	case OutcomeTerminal:
		d.logError(ctx, "task failed", "jobID", task.JobID, "queue", d.config.Queue, "error", result.Err)
		return d.fail(ctx, msg, task, result.Err, attempts, acked)

	default:
		d.logError(ctx, "task failed transiently", "jobID", task.JobID, "queue", d.config.Queue,
			"attempt", attempts+1, "error", result.Err)
		return d.retry(ctx, msg, task, result.Err, attempts, acked)
	}
}

func (d *Dispatcher) decode(body []byte) (orchestrator.Task, error) {
	if err := validate.JSON(validate.Task, body); err != nil {
		return orchestrator.Task{}, fmt.Errorf("%w: %v", orchestrator.ErrInvalidTask, err)
	}
	return orchestrator.DecodeTask(body)
}

// run calls the handler, converting a panic into a transient result.
func (d *Dispatcher) run(ctx context.Context, task orchestrator.Task) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logError(ctx, "handler panicked", "jobID", task.JobID, "panic", r, "stack", string(debug.Stack()))
			result = Transient(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return d.config.Handler.Handle(ctx, task)
}

// retry requeues a transient failure. A storage failure is requeued without
// touching the store, and a handler that records its own failures keeps
// sole ownership of the error message. An early-acked delivery is
// republished with an incremented retry count, or failed once the budget
// is spent.
func (d *Dispatcher) retry(ctx context.Context, msg broker.Message, task orchestrator.Task, cause error, attempts int, acked bool) Decision {
	_, recorder := d.config.Handler.(FailureRecorder)
	if !recorder && !orchestrator.IsStorage(cause) {
		update := store.Update{}.ErrorMessage(errorText(cause))
		if err := d.config.Store.Update(ctx, task.JobID, update); err != nil {
			d.logError(ctx, "failed to record transient error", "jobID", task.JobID, "error", err)
		}
	}

	if !acked {
		return d.settle(ctx, msg, DecisionRequeue)
	}

	next := attempts + 1
	if next >= d.config.MaxRetries {
		d.config.Collector.IncRetriesExhausted(d.config.Queue)
		return d.fail(ctx, msg, task, fmt.Errorf("max retries (%d) exceeded: %w", d.config.MaxRetries, cause), next, true)
	}
	headers := broker.WithRetryCount(msg.Headers(), next)
	if err := d.config.Republisher.PublishRaw(ctx, d.config.Queue, msg.Body(), headers); err != nil {
		d.logError(ctx, "failed to republish task", "jobID", task.JobID, "error", err)
		return d.fail(ctx, msg, task, fmt.Errorf("%w; republish failed: %v", cause, err), next, true)
	}
	return DecisionRequeue
}

// fail persists a terminal failure and acknowledges the delivery. If the
// failure cannot be persisted the delivery is requeued so the job is not
// lost; an early-acked delivery is put back on the queue by republishing it.
func (d *Dispatcher) fail(ctx context.Context, msg broker.Message, task orchestrator.Task, cause error, attempts int, acked bool) Decision {
	err := d.recordFailure(ctx, task, cause)
	switch {
	case err == nil, errors.Is(err, orchestrator.ErrJobTerminal):
	case errors.Is(err, orchestrator.ErrJobNotFound):
		d.logError(ctx, "task references unknown job", "jobID", task.JobID)
		if acked {
			return DecisionDeadLetter
		}
		return d.settle(ctx, msg, DecisionDeadLetter)
	default:
		d.logError(ctx, "failed to persist failure", "jobID", task.JobID, "error", err)
		if acked {
			return d.restore(ctx, msg, task, attempts)
		}
		return d.settle(ctx, msg, DecisionRequeue)
	}

	if acked {
		return DecisionFailed
	}
	return d.settle(ctx, msg, DecisionFailed)
}

// restore republishes an already acknowledged delivery carrying attempts as
// its retry count.
func (d *Dispatcher) restore(ctx context.Context, msg broker.Message, task orchestrator.Task, attempts int) Decision {
	headers := broker.WithRetryCount(msg.Headers(), attempts)
	if err := d.config.Republisher.PublishRaw(ctx, d.config.Queue, msg.Body(), headers); err != nil {
		d.logError(ctx, "failed to restore task", "jobID", task.JobID, "queue", d.config.Queue, "error", err)
	}
	return DecisionRequeue
}

func (d *Dispatcher) recordFailure(ctx context.Context, task orchestrator.Task, cause error) error {
	if recorder, ok := d.config.Handler.(FailureRecorder); ok {
		return recorder.RecordFailure(ctx, task, cause)
	}
	update := store.Update{}.ErrorMessage(errorText(cause))
	if d.config.Stage != "" {
		update = update.Stage(d.config.Stage, orchestrator.StatusFailed)
	}
	return d.config.Store.UpdateStatus(ctx, task.JobID, orchestrator.StatusFailed, update)
}

// settle applies decision to the delivery.
func (d *Dispatcher) settle(ctx context.Context, msg broker.Message, decision Decision) Decision {
	var err error
	switch decision {
	case DecisionAck, DecisionFailed:
		err = msg.Ack()
	case DecisionRequeue:
		err = msg.Nack(true)
	case DecisionDeadLetter:
		err = msg.Nack(false)
	}
	if err != nil {
		d.logError(ctx, "failed to settle message", "queue", d.config.Queue, "decision", string(decision), "error", err)
	}
	return decision
}

func (d *Dispatcher) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if d.config.Logger != nil {
		d.config.Logger.Error(ctx, msg, keyvals...)
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
