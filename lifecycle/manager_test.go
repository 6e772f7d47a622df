package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getpup/migration-orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_RestartsFailedSession(t *testing.T) {
	manager := New(Config{RestartDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessions atomic.Int32
	err := manager.Run(ctx, func(ctx context.Context) error {
		if sessions.Add(1) < 3 {
			return errors.New("connection closed")
		}
		cancel()
		<-ctx.Done()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), sessions.Load())
	assert.Equal(t, 2, manager.Restarts())
	assert.Equal(t, StateStopped, manager.State())
}

func TestRun_ConfigurationErrorIsFatal(t *testing.T) {
	manager := New(Config{RestartDelay: time.Millisecond})

	var sessions atomic.Int32
	err := manager.Run(context.Background(), func(ctx context.Context) error {
		sessions.Add(1)
		return &orchestrator.ConfigurationError{Op: "declare queue conversion_jobs", Err: errors.New("PRECONDITION_FAILED")}
	})

	assert.True(t, orchestrator.IsConfiguration(err))
	assert.Equal(t, int32(1), sessions.Load())
}

func TestRun_MaxRestarts(t *testing.T) {
	manager := New(Config{RestartDelay: time.Millisecond, MaxRestarts: 2})

	var sessions atomic.Int32
	err := manager.Run(context.Background(), func(ctx context.Context) error {
		sessions.Add(1)
		return errors.New("dial tcp: connection refused")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "session failed 3 times")
	assert.Equal(t, int32(3), sessions.Load())
}

func TestRun_FailingHealthCheckRestartsSession(t *testing.T) {
	var healthy atomic.Bool
	manager := New(Config{
		RestartDelay:   time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
		Check: func(ctx context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("job store unreachable")
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessions atomic.Int32
	err := manager.Run(ctx, func(ctx context.Context) error {
		if sessions.Add(1) == 2 {
			healthy.Store(true)
			cancel()
		}
		<-ctx.Done()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(2), sessions.Load())
	assert.Equal(t, 1, manager.Restarts())
}

func TestHealthCheck_CalledAtConfiguredInterval(t *testing.T) {
	var checks atomic.Int32
	manager := New(Config{
		HealthInterval: 50 * time.Millisecond,
		Check: func(ctx context.Context) error {
			checks.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := manager.StartHealthCheck(ctx)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, checks.Load(), int32(2), "expected at least 2 checks in 150ms with 50ms interval")
	assert.LessOrEqual(t, checks.Load(), int32(4), "expected at most 4 checks in 150ms with 50ms interval")
}

func TestContextCancellation_StopsHealthCheck(t *testing.T) {
	manager := New(Config{
		HealthInterval: time.Second,
		Check:          func(ctx context.Context) error { return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- manager.StartHealthCheck(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("StartHealthCheck did not return promptly after context cancellation")
	}
}

func TestReady(t *testing.T) {
	manager := New(Config{})
	assert.ErrorIs(t, manager.Ready(context.Background()), ErrNotRunning)

	ctx, cancel := context.WithCancel(context.Background())
	running := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- manager.Run(ctx, func(ctx context.Context) error {
			close(running)
			<-ctx.Done()
			return nil
		})
	}()

	<-running
	assert.NoError(t, manager.Ready(context.Background()))

	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, manager.Ready(context.Background()), ErrNotRunning)
}
