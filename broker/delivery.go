package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one delivery as seen by a dispatcher.
type Message interface {
	Body() []byte
	Headers() amqp.Table
	Ack() error
	Nack(requeue bool) error
}

// Delivery adapts an amqp.Delivery to Message.
type Delivery struct {
	d amqp.Delivery
}

// Wrap adapts d.
func Wrap(d amqp.Delivery) *Delivery {
	return &Delivery{d: d}
}

// Body returns the message body.
func (d *Delivery) Body() []byte { return d.d.Body }

// Headers returns the message headers.
func (d *Delivery) Headers() amqp.Table { return d.d.Headers }

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error { return d.d.Ack(false) }

// Nack rejects the delivery. Without requeue it is dead-lettered.
func (d *Delivery) Nack(requeue bool) error { return d.d.Nack(false, requeue) }

// ConsumeChannel consumes queues. *amqp.Channel implements it.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Subscribe sets the prefetch of ch and starts a manual-ack consumer on queue.
func Subscribe(ch ConsumeChannel, queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch on %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	return deliveries, nil
}
