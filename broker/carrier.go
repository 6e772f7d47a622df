package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier adapts AMQP message headers to a propagation.TextMapCarrier.
type HeaderCarrier amqp.Table

// Compile-time check that HeaderCarrier implements propagation.TextMapCarrier.
var _ propagation.TextMapCarrier = HeaderCarrier(nil)

// Get returns the value for key, or "" if absent.
func (c HeaderCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

// Set stores value under key.
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the header keys.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// defaultPropagator carries W3C trace context and baggage.
var defaultPropagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// ExtractTrace returns ctx carrying the trace context found in headers.
func ExtractTrace(ctx context.Context, headers amqp.Table, propagator propagation.TextMapPropagator) context.Context {
	if propagator == nil {
		propagator = defaultPropagator
	}
	if headers == nil {
		return ctx
	}
	return propagator.Extract(ctx, HeaderCarrier(headers))
}
