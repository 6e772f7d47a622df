package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/pupsourcing/es"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// ErrDeliveriesClosed is returned when the broker closes a consumer's delivery channel.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Subscriber opens a delivery stream for a queue.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string) (<-chan amqp.Delivery, error)
}

// ChannelSubscriber subscribes through one broker channel per queue.
type ChannelSubscriber struct {
	// Open returns a new consume channel, typically from (*amqp.Connection).Channel.
	Open func() (broker.ConsumeChannel, error)

	// Prefetch is the number of unacknowledged messages per consumer (default: 1).
	Prefetch int

	// ConsumerTag prefixes consumer tags.
	ConsumerTag string
}

// Subscribe implements Subscriber.
func (s ChannelSubscriber) Subscribe(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	ch, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel for %s: %w", queue, err)
	}
	tag := ""
	if s.ConsumerTag != "" {
		tag = s.ConsumerTag + "-" + queue
	}
	return broker.Subscribe(ch, queue, tag, s.Prefetch)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Subscriber opens delivery streams (required).
	Subscriber Subscriber

	// Logger is optional.
	Logger es.Logger
}

// Worker runs one blocking consume loop per dispatcher. Each loop processes
// one delivery to a decision before taking the next.
type Worker struct {
	config      WorkerConfig
	dispatchers []*Dispatcher
}

// NewWorker creates a Worker over dispatchers.
func NewWorker(config WorkerConfig, dispatchers ...*Dispatcher) *Worker {
	return &Worker{config: config, dispatchers: dispatchers}
}

// Run consumes every queue until ctx is cancelled or a loop fails.
// Returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	streams := make([]<-chan amqp.Delivery, len(w.dispatchers))
	for i, d := range w.dispatchers {
		deliveries, err := w.config.Subscriber.Subscribe(ctx, d.Queue())
		if err != nil {
			return err
		}
		streams[i] = deliveries
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, d := range w.dispatchers {
		d, deliveries := d, streams[i]
		g.Go(func() error {
			return w.consume(ctx, d, deliveries)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) consume(ctx context.Context, d *Dispatcher, deliveries <-chan amqp.Delivery) error {
	if w.config.Logger != nil {
		w.config.Logger.Info(ctx, "consuming queue", "queue", d.Queue())
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%s: %w", d.Queue(), ErrDeliveriesClosed)
			}
			// An in-flight message is finished even when shutdown starts.
			decision := d.Dispatch(context.WithoutCancel(ctx), broker.Wrap(delivery))
			if w.config.Logger != nil {
				w.config.Logger.Debug(ctx, "message settled", "queue", d.Queue(), "decision", string(decision))
			}
		}
	}
}
