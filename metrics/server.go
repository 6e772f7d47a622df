package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessFunc reports whether the process can serve work.
// A nil error means ready.
type ReadinessFunc func(ctx context.Context) error

// Server is the optional metrics and health listener of a worker process.
type Server struct {
	server  *http.Server
	errChan chan error
}

// NewServer creates a metrics server on addr serving /metrics and /healthz.
// ready may be nil, in which case /healthz always reports ok.
func NewServer(addr string, ready ReadinessFunc) *Server {
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: newRouter(ready),
		},
		errChan: make(chan error, 1),
	}
}

func newRouter(ready ReadinessFunc) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return router
}

// Start starts the server in a goroutine and returns immediately.
// Check Err() to detect startup failures.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case s.errChan <- err:
			default:
			}
		}
	}()
}

// Err returns any error that occurred while serving, without blocking.
func (s *Server) Err() error {
	select {
	case err := <-s.errChan:
		return err
	default:
		return nil
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
