package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_CreatesServerWithAddress(t *testing.T) {
	server := NewServer(":9999", nil)

	assert.NotNil(t, server)
	assert.Equal(t, ":9999", server.server.Addr)
}

func TestRouter_Metrics(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestRouter_Healthz(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newRouter(func(context.Context) error { return nil }).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("not ready", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newRouter(func(context.Context) error { return errors.New("broker connection closed") }).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"unavailable","error":"broker connection closed"}`, rec.Body.String())
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServer_StartAndShutdown(t *testing.T) {
	server := NewServer(":9998", nil)

	server.Start()

	// Give the server a moment to start
	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, server.Err())

	resp, err := http.Get("http://localhost:9998/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))

	time.Sleep(100 * time.Millisecond)
	_, err = http.Get("http://localhost:9998/metrics")
	assert.Error(t, err)
}

func TestServer_ErrReturnsStartupErrors(t *testing.T) {
	server1 := NewServer(":9994", nil)
	server1.Start()

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server1.Shutdown(ctx)
	}()

	// Give it time to bind
	time.Sleep(100 * time.Millisecond)

	server2 := NewServer(":9994", nil)
	server2.Start()

	// Give it time to fail
	time.Sleep(100 * time.Millisecond)

	assert.Error(t, server2.Err())
}
