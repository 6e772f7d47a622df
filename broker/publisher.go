package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/metrics"
	"github.com/getpup/pupsourcing/es"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// PublishChannel publishes messages. *amqp.Channel implements it.
type PublishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Propagator injects the trace context into message headers.
	// Defaults to W3C trace context and baggage.
	Propagator propagation.TextMapPropagator

	// Logger is optional.
	Logger es.Logger

	// Collector is optional.
	Collector *metrics.Collector
}

// Publisher enqueues task messages onto named queues through the default
// exchange. Messages are persistent. Publishing does not wait for any consumer,
// so the job store remains the durability anchor.
type Publisher struct {
	mu      sync.Mutex
	channel PublishChannel
	config  PublisherConfig
}

// NewPublisher creates a Publisher on channel.
func NewPublisher(channel PublishChannel, config PublisherConfig) *Publisher {
	if config.Propagator == nil {
		config.Propagator = defaultPropagator
	}
	return &Publisher{channel: channel, config: config}
}

// Publish encodes task and publishes it to queue with the trace context of ctx.
func (p *Publisher) Publish(ctx context.Context, queue string, task orchestrator.Task) error {
	body, err := task.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	headers := amqp.Table{}
	p.config.Propagator.Inject(ctx, HeaderCarrier(headers))

	return p.PublishRaw(ctx, queue, body, headers)
}

// PublishRaw publishes body to queue with the given headers as-is.
func (p *Publisher) PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	err := p.channel.PublishWithContext(ctx, "", queue, false, false, msg)
	p.mu.Unlock()

	if err != nil {
		if p.config.Logger != nil {
			p.config.Logger.Error(ctx, "failed to publish message", "queue", queue, "error", err)
		}
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	p.config.Collector.IncPublished(queue)
	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "published message", "queue", queue, "messageID", msg.MessageId)
	}
	return nil
}
