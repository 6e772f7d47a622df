// Package reprocess drains dead-letter queues back into their work queues
// with a bounded retry counter.
package reprocess

import (
	"context"
	"errors"
	"fmt"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/migration-orchestrator/metrics"
	"github.com/getpup/pupsourcing/es"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultMaxRetries is the retry count at which a dead-lettered message is discarded.
const DefaultMaxRetries = 3

// Channel reads dead-letter queues. *amqp.Channel implements it.
type Channel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// Republisher puts a message back on its work queue. *broker.Publisher implements it.
type Republisher interface {
	PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

// Config configures a Reprocessor.
type Config struct {
	// MaxRetries is the retry count at which a message is discarded (default: 3).
	MaxRetries int

	// Logger is optional.
	Logger es.Logger

	// Collector is optional.
	Collector *metrics.Collector
}

// Reprocessor moves messages from dead-letter queues back to their work queues.
type Reprocessor struct {
	channel   Channel
	publisher Republisher
	config    Config
}

// New creates a Reprocessor, applying the default MaxRetries.
func New(channel Channel, publisher Republisher, config Config) *Reprocessor {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	return &Reprocessor{channel: channel, publisher: publisher, config: config}
}

// Stats counts what one drain did.
type Stats struct {
	Queue     string
	Requeued  int
	Discarded int
}

// QueueCount is the depth of one dead-letter queue.
type QueueCount struct {
	Queue      string
	DeadLetter string
	Messages   int
}

// List returns the message count of the dead-letter queue of every spec.
func (r *Reprocessor) List(queues []broker.QueueSpec) ([]QueueCount, error) {
	counts := make([]QueueCount, 0, len(queues))
	for _, q := range queues {
		dlq := q.DeadLetterQueue()
		info, err := r.channel.QueueDeclarePassive(dlq, true, false, false, false, nil)
		if err != nil {
			return counts, fmt.Errorf("failed to inspect %s: %w", dlq, err)
		}
		counts = append(counts, QueueCount{Queue: q.Name, DeadLetter: dlq, Messages: info.Messages})
	}
	return counts, nil
}

// Drain empties the dead-letter queue of q. Messages whose retry count is
// below MaxRetries are republished to q with the count incremented; the rest
// are discarded. A message that cannot be republished is returned to the
// dead-letter queue and draining stops.
func (r *Reprocessor) Drain(ctx context.Context, q broker.QueueSpec) (Stats, error) {
	stats := Stats{Queue: q.Name}
	dlq := q.DeadLetterQueue()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		d, ok, err := r.channel.Get(dlq, false)
		if err != nil {
			return stats, fmt.Errorf("failed to get from %s: %w", dlq, err)
		}
		if !ok {
			break
		}

		requeued, err := r.reprocess(ctx, q.Name, d)
		if err != nil {
			return stats, err
		}
		if requeued {
			stats.Requeued++
		} else {
			stats.Discarded++
		}
	}

	r.logInfo(ctx, "dead-letter queue drained", "queue", dlq, "requeued", stats.Requeued, "discarded", stats.Discarded)
	return stats, nil
}

// DrainAll drains the dead-letter queue of each work queue in turn, stopping at the first error.
func (r *Reprocessor) DrainAll(ctx context.Context, queues []broker.QueueSpec) ([]Stats, error) {
	all := make([]Stats, 0, len(queues))
	for _, q := range queues {
		stats, err := r.Drain(ctx, q)
		all = append(all, stats)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

func (r *Reprocessor) reprocess(ctx context.Context, queue string, d amqp.Delivery) (bool, error) {
	retries := broker.RetryCount(d.Headers)
	jobID := jobIDOf(d.Body)

	if retries >= r.config.MaxRetries {
		if err := d.Ack(false); err != nil {
			return false, fmt.Errorf("failed to ack discarded message: %w", err)
		}
		r.config.Collector.IncDLQMessages(queue, metrics.ActionDiscarded)
		r.logError(ctx, "discarding message after max retries", "queue", queue, "jobID", jobID, "retries", retries)
		return false, nil
	}

	headers := broker.WithRetryCount(d.Headers, retries+1)
	if err := r.publisher.PublishRaw(ctx, queue, d.Body, headers); err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			err = errors.Join(err, nackErr)
		}
		return false, fmt.Errorf("failed to republish to %s: %w", queue, err)
	}
	if err := d.Ack(false); err != nil {
		return true, fmt.Errorf("failed to ack requeued message: %w", err)
	}

	r.config.Collector.IncDLQMessages(queue, metrics.ActionRequeued)
	r.logInfo(ctx, "requeued message", "queue", queue, "jobID", jobID, "retry", retries+1)
	return true, nil
}

// jobIDOf returns the job id of a task body, or "" for a malformed body.
func jobIDOf(body []byte) string {
	task, err := orchestrator.DecodeTask(body)
	if err != nil {
		return ""
	}
	return task.JobID
}

func (r *Reprocessor) logInfo(ctx context.Context, msg string, keyvals ...interface{}) {
	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, msg, keyvals...)
	}
}

func (r *Reprocessor) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if r.config.Logger != nil {
		r.config.Logger.Error(ctx, msg, keyvals...)
	}
}
