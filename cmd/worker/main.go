// Command worker consumes the pipeline stage queues.
//
// Usage:
//
//	worker                              # every stage
//	worker --stages conversion          # one role per process
//	worker --stages extraction,execution
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/migration-orchestrator/config"
	"github.com/getpup/migration-orchestrator/convert/ollama"
	"github.com/getpup/migration-orchestrator/dispatch"
	mysqlsource "github.com/getpup/migration-orchestrator/extract/mysql"
	"github.com/getpup/migration-orchestrator/lifecycle"
	"github.com/getpup/migration-orchestrator/logging"
	"github.com/getpup/migration-orchestrator/metrics"
	"github.com/getpup/migration-orchestrator/stage"
	"github.com/getpup/migration-orchestrator/store"
	pgstore "github.com/getpup/migration-orchestrator/store/postgres"
	"github.com/getpup/migration-orchestrator/target/postgres"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var stages string

	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Consume migration pipeline stage queues",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := parseStages(stages)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, selected)
		},
	}
	cmd.Flags().StringVar(&stages, "stages", "all",
		"comma-separated stages to consume: extraction, conversion, execution, data_migration or all")
	return cmd
}

// parseStages turns the --stages flag into a set of stages.
func parseStages(flag string) (map[orchestrator.Stage]bool, error) {
	selected := map[orchestrator.Stage]bool{}
	for _, name := range strings.Split(flag, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if name == "all" {
			for _, s := range orchestrator.Stages {
				selected[s] = true
			}
			continue
		}
		s := orchestrator.Stage(name)
		known := false
		for _, candidate := range orchestrator.Stages {
			known = known || candidate == s
		}
		if !known {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		selected[s] = true
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no stage selected")
	}
	return selected, nil
}

func run(ctx context.Context, stages map[orchestrator.Stage]bool) error {
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

	pools := postgres.NewPools(postgres.PoolsConfig{
		VerificationURL: cfg.Database.VerificationURL,
		MaxConns:        cfg.Database.MaxConns,
		Logger:          logger,
	})
	defer pools.Close()

	source := mysqlsource.New(mysqlsource.Config{Logger: logger})
	defer func() {
		_ = source.Close()
	}()

	w := &worker{
		cfg:       cfg,
		stages:    stages,
		store:     pgstore.NewWithConfig(db, pgstore.TableConfig{JobsTable: cfg.Database.JobsTable}),
		topology:  broker.NewTopology(cfg.ExtractionQueues),
		target:    postgres.New(pools, postgres.Config{Logger: logger}),
		source:    source,
		converter: ollama.New(ollama.Config{URL: cfg.Converter.OllamaURL, Model: cfg.Converter.Model, Timeout: cfg.Converter.Timeout, Logger: logger}),
		logger:    logger,
		collector: collector,
	}

	manager := lifecycle.New(lifecycle.Config{
		Check:  db.PingContext,
		Logger: logger,
	})

	if cfg.Server.MetricsEnabled {
		server := metrics.NewServer(cfg.Server.MetricsAddr, manager.Ready)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	logger.Info(ctx, "worker starting", "stages", flagList(stages))
	return manager.Run(ctx, w.session)
}

// worker holds what outlives a broker session.
type worker struct {
	cfg       *config.Config
	stages    map[orchestrator.Stage]bool
	store     store.JobStore
	topology  *broker.Topology
	target    *postgres.Target
	source    *mysqlsource.Source
	converter *ollama.Client
	logger    *logging.Logger
	collector *metrics.Collector
}

// session connects to the broker, declares the topology and consumes the
// selected queues until the connection fails or ctx is cancelled.
func (w *worker) session(ctx context.Context) error {
	conn, err := broker.Dial(ctx, w.cfg.Broker.URL, broker.DialConfig{
		Attempts: w.cfg.Broker.PublishRetryAttempts,
		Delay:    w.cfg.Broker.PublishRetryDelay,
		Logger:   w.logger,
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
	defer func() {
		_ = ch.Close()
	}()
	if err := broker.Declare(ch, w.topology.Queues()); err != nil {
		return err
	}

	publisher := broker.NewPublisher(ch, broker.PublisherConfig{Logger: w.logger, Collector: w.collector})

	var dispatchers []*dispatch.Dispatcher
	for _, q := range w.topology.Queues() {
		if !w.stages[q.Stage] {
			continue
		}
		d, err := w.dispatcher(q, publisher)
		if err != nil {
			return err
		}
		dispatchers = append(dispatchers, d)
	}

	consumer := dispatch.NewWorker(dispatch.WorkerConfig{
		Subscriber: dispatch.ChannelSubscriber{
			Open: func() (broker.ConsumeChannel, error) {
				return conn.Channel()
			},
			Prefetch:    w.cfg.Worker.Prefetch,
			ConsumerTag: "migration-worker",
		},
		Logger: w.logger,
	}, dispatchers...)
	return consumer.Run(ctx)
}

// dispatcher builds the dispatcher of one queue with its stage handler.
func (w *worker) dispatcher(q broker.QueueSpec, publisher *broker.Publisher) (*dispatch.Dispatcher, error) {
	config := dispatch.Config{
		Queue:      q.Name,
		Stage:      q.Stage,
		Store:      w.store,
		MaxRetries: w.cfg.Worker.MaxRetries,
		Logger:     w.logger,
		Collector:  w.collector,
	}

	switch q.Stage {
	case orchestrator.StageExtraction:
		config.Handler = stage.NewExtractionHandler(stage.ExtractionConfig{
			Store:      w.store,
			Extractors: map[orchestrator.DatabaseType]stage.Extractor{orchestrator.DatabaseMySQL: w.source},
			Publisher:  publisher,
			Logger:     w.logger,
		})
	case orchestrator.StageConversion:
		config.AckEarly = true
		config.Republisher = publisher
		config.Handler = stage.NewConversionHandler(stage.ConversionConfig{
			Store:     w.store,
			Converter: w.converter,
			Verifier:  w.target,
			Publisher: publisher,
			Logger:    w.logger,
		})
	case orchestrator.StageExecution:
		config.Handler = stage.NewExecutionHandler(stage.ExecutionConfig{
			Store:     w.store,
			Executor:  w.target,
			Rows:      w.source,
			Publisher: publisher,
			Logger:    w.logger,
		})
	case orchestrator.StageDataMigration:
		config.Handler = stage.NewRowInsertHandler(stage.RowInsertConfig{
			Store:  w.store,
			Writer: w.target,
			Logger: w.logger,
		})
	default:
		return nil, fmt.Errorf("no handler for stage %q", q.Stage)
	}
	return dispatch.New(config)
}

func flagList(stages map[orchestrator.Stage]bool) string {
	var names []string
	for _, s := range orchestrator.Stages {
		if stages[s] {
			names = append(names, string(s))
		}
	}
	return strings.Join(names, ",")
}
