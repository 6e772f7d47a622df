package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Retry accounting headers.
const (
	// DeathHeader is the broker's dead-letter history.
	DeathHeader = "x-death"

	// DeliveryCountHeader is set by quorum queues on redelivery.
	DeliveryCountHeader = "x-delivery-count"

	// RetryCountHeader is carried by the message itself and incremented by the
	// dead-letter reprocessor.
	RetryCountHeader = "x-retry-count"
)

// DeathCount returns the x-death count recorded for queue.
func DeathCount(headers amqp.Table, queue string) int {
	deaths, ok := headers[DeathHeader].([]interface{})
	if !ok {
		return 0
	}
	for _, d := range deaths {
		entry, ok := d.(amqp.Table)
		if !ok {
			continue
		}
		if name, _ := entry["queue"].(string); name == queue {
			return toInt(entry["count"])
		}
	}
	return 0
}

// DeliveryCount returns the quorum-queue redelivery count.
func DeliveryCount(headers amqp.Table) int {
	return toInt(headers[DeliveryCountHeader])
}

// RetryCount returns the self-carried retry count.
func RetryCount(headers amqp.Table) int {
	return toInt(headers[RetryCountHeader])
}

// Attempts returns how many times a message consumed from queue has already
// failed: the largest of the broker death count, the quorum delivery count and
// the self-carried retry count.
func Attempts(headers amqp.Table, queue string) int {
	return max(DeathCount(headers, queue), DeliveryCount(headers), RetryCount(headers))
}

// WithRetryCount returns a copy of headers with the retry count set to n.
func WithRetryCount(headers amqp.Table, n int) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[RetryCountHeader] = int32(n)
	return out
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
