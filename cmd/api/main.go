// Command api serves the migration HTTP API: migration initiation, SQL
// submissions, job queries and aggregate views.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getpup/migration-orchestrator/api"
	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/migration-orchestrator/config"
	"github.com/getpup/migration-orchestrator/logging"
	"github.com/getpup/migration-orchestrator/metrics"
	"github.com/getpup/migration-orchestrator/pipeline"
	pgstore "github.com/getpup/migration-orchestrator/store/postgres"
	_ "github.com/lib/pq"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	collector := metrics.NewCollector()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach job store: %w", err)
	}

	conn, err := broker.Dial(ctx, cfg.Broker.URL, broker.DialConfig{
		Attempts: cfg.Broker.PublishRetryAttempts,
		Delay:    cfg.Broker.PublishRetryDelay,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	topology := broker.NewTopology(cfg.ExtractionQueues)
	if err := broker.Declare(ch, topology.Queues()); err != nil {
		return err
	}

	jobStore := pgstore.NewWithConfig(db, pgstore.TableConfig{JobsTable: cfg.Database.JobsTable})
	handler := api.NewHandler(api.Config{
		Store: jobStore,
		Pipeline: pipeline.New(pipeline.Config{
			Store:     jobStore,
			Publisher: broker.NewPublisher(ch, broker.PublisherConfig{Logger: logger, Collector: collector}),
			Topology:  topology,
			Logger:    logger,
			Collector: collector,
		}),
		Logger: logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.MetricsEnabled {
		metricsServer := metrics.NewServer(cfg.Server.MetricsAddr, db.PingContext)
		metricsServer.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "api listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
