// Command dlq inspects and drains the dead-letter queues of the pipeline.
//
// Usage:
//
//	dlq list
//	dlq reprocess conversion_jobs
//	dlq reprocess --all
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/migration-orchestrator/config"
	"github.com/getpup/migration-orchestrator/logging"
	"github.com/getpup/migration-orchestrator/reprocess"
	"github.com/olekukonko/tablewriter"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dlq",
		Short:        "Manage the dead-letter queues of the migration pipeline",
		SilenceUsage: true,
	}
	root.AddCommand(listCmd(), reprocessCmd())
	return root
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the message count of every dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReprocessor(cmd.Context(), func(ctx context.Context, r *reprocess.Reprocessor, topology *broker.Topology) error {
				counts, err := r.List(topology.Queues())
				if err != nil {
					return err
				}
				renderCounts(cmd.OutOrStdout(), counts)
				return nil
			})
		},
	}
}

func reprocessCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reprocess [queue]",
		Short: "Move dead-lettered messages back to their work queue",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("a queue cannot be combined with --all")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("expected one queue name or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReprocessor(cmd.Context(), func(ctx context.Context, r *reprocess.Reprocessor, topology *broker.Topology) error {
				queues := topology.Queues()
				if !all {
					q, ok := topology.Queue(args[0])
					if !ok {
						return fmt.Errorf("unknown queue %q", args[0])
					}
					queues = []broker.QueueSpec{q}
				}

				stats, err := r.DrainAll(ctx, queues)
				renderStats(cmd.OutOrStdout(), stats)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "drain every dead-letter queue")
	return cmd
}

// withReprocessor connects to the broker and runs fn with a Reprocessor.
func withReprocessor(ctx context.Context, fn func(context.Context, *reprocess.Reprocessor, *broker.Topology) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateBroker(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(os.Stderr, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	conn, err := amqp.Dial(cfg.Broker.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
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

	publisher := broker.NewPublisher(ch, broker.PublisherConfig{Logger: logger})
	r := reprocess.New(ch, publisher, reprocess.Config{MaxRetries: cfg.Worker.MaxRetries, Logger: logger})
	return fn(ctx, r, broker.NewTopology(cfg.ExtractionQueues))
}

func renderCounts(w io.Writer, counts []reprocess.QueueCount) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Queue", "Dead-letter queue", "Messages"})
	for _, c := range counts {
		table.Append([]string{c.Queue, c.DeadLetter, strconv.Itoa(c.Messages)})
	}
	table.Render()
}

func renderStats(w io.Writer, stats []reprocess.Stats) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Queue", "Requeued", "Discarded"})
	for _, s := range stats {
		table.Append([]string{s.Queue, strconv.Itoa(s.Requeued), strconv.Itoa(s.Discarded)})
	}
	table.Render()
}
