package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/getpup/pupsourcing/es"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DialConfig configures Dial.
type DialConfig struct {
	// Attempts is the number of connection attempts (default: 5).
	Attempts int

	// Delay is the wait between attempts (default: 5s).
	Delay time.Duration

	// Logger is optional.
	Logger es.Logger

	// dial is replaced in tests.
	dial func(url string) (*amqp.Connection, error)
}

// Dial connects to the broker at url, retrying on failure.
func Dial(ctx context.Context, url string, config DialConfig) (*amqp.Connection, error) {
	if config.Attempts <= 0 {
		config.Attempts = 5
	}
	if config.Delay <= 0 {
		config.Delay = 5 * time.Second
	}
	if config.dial == nil {
		config.dial = amqp.Dial
	}

	var lastErr error
	for attempt := 1; attempt <= config.Attempts; attempt++ {
		conn, err := config.dial(url)
		if err == nil {
			if config.Logger != nil {
				config.Logger.Info(ctx, "connected to broker", "attempt", attempt)
			}
			return conn, nil
		}
		lastErr = err

		if config.Logger != nil {
			config.Logger.Error(ctx, "failed to connect to broker",
				"attempt", attempt, "attempts", config.Attempts, "error", err)
		}
		if attempt == config.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(config.Delay):
		}
	}

	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", config.Attempts, lastErr)
}
