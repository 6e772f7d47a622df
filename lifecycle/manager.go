// Package lifecycle supervises the broker session of a worker process:
// it restarts the session after a connection loss and checks the health of
// its dependencies while the session runs.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/pupsourcing/es"
	"golang.org/x/sync/errgroup"
)

// State is the supervisor state of a worker process.
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// ErrNotRunning is returned by Ready while no session is running.
var ErrNotRunning = errors.New("worker session is not running")

// Session runs until ctx is cancelled or its resources fail.
type Session func(ctx context.Context) error

// CheckFunc reports whether a dependency of the session is healthy.
type CheckFunc func(ctx context.Context) error

// Config holds configuration for the lifecycle Manager.
type Config struct {
	// RestartDelay is the wait before a failed session is restarted (default: 5s).
	RestartDelay time.Duration

	// HealthInterval is the interval between health checks (default: 5s).
	HealthInterval time.Duration

	// Check is optional. A failing check ends the current session so it is restarted.
	Check CheckFunc

	// MaxRestarts bounds consecutive restarts. Zero means unbounded.
	MaxRestarts int

	// Logger is for observability (optional).
	Logger es.Logger
}

// Manager runs a Session and restarts it until the context is cancelled.
type Manager struct {
	config Config

	mu       sync.RWMutex
	state    State
	restarts int
}

// New creates a new lifecycle Manager with the given configuration.
// Applies default values for RestartDelay and HealthInterval if not set.
func New(cfg Config) *Manager {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	return &Manager{config: cfg, state: StateStopped}
}

// Run runs session until ctx is cancelled, restarting it after failures.
// A ConfigurationError is fatal and returned immediately. Returns nil on
// cancellation.
func (m *Manager) Run(ctx context.Context, session Session) error {
	defer m.setState(ctx, StateStopped)

	consecutive := 0
	for {
		m.setState(ctx, StateStarting)
		err := m.runSession(ctx, session)
		if ctx.Err() != nil {
			return nil
		}
		if orchestrator.IsConfiguration(err) {
			return err
		}

		consecutive++
		if m.config.MaxRestarts > 0 && consecutive > m.config.MaxRestarts {
			return fmt.Errorf("session failed %d times: %w", consecutive, err)
		}

		m.logError(ctx, "worker session ended, restarting", "error", err, "delay", m.config.RestartDelay.String())
		m.setState(ctx, StateReconnecting)
		m.mu.Lock()
		m.restarts++
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.config.RestartDelay):
		}
	}
}

func (m *Manager) runSession(ctx context.Context, session Session) error {
	g, sessionCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.setState(sessionCtx, StateRunning)
		err := session(sessionCtx)
		if err == nil && sessionCtx.Err() == nil {
			err = errors.New("session returned without error")
		}
		return err
	})
	if m.config.Check != nil {
		g.Go(func() error {
			return m.StartHealthCheck(sessionCtx)
		})
	}
	return g.Wait()
}

// StartHealthCheck runs Check at the configured interval until ctx is
// cancelled or a check fails.
func (m *Manager) StartHealthCheck(ctx context.Context) error {
	if m.config.Check == nil {
		return nil
	}

	ticker := time.NewTicker(m.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.config.Check(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.logError(ctx, "health check failed", "error", err)
				return fmt.Errorf("health check failed: %w", err)
			}
			if m.config.Logger != nil {
				m.config.Logger.Debug(ctx, "health check passed")
			}
		}
	}
}

// Ready reports whether a session is running. It matches metrics.ReadinessFunc.
func (m *Manager) Ready(ctx context.Context) error {
	if m.State() != StateRunning {
		return ErrNotRunning
	}
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Restarts returns how many times a session was restarted.
func (m *Manager) Restarts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restarts
}

func (m *Manager) setState(ctx context.Context, state State) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	m.mu.Unlock()

	if prev != state && m.config.Logger != nil {
		m.config.Logger.Info(ctx, "worker state updated", "state", string(state))
	}
}

func (m *Manager) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if m.config.Logger != nil {
		m.config.Logger.Error(ctx, msg, keyvals...)
	}
}
