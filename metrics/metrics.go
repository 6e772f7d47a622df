package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MessagesTotal tracks consumed messages by dispatch outcome
// (ack, requeue, dead_letter, failed).
var MessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "migration_orchestrator_messages_total",
		Help: "Total messages consumed by dispatch outcome",
	},
	[]string{"queue", "outcome"},
)

// JobsCreatedTotal tracks the total number of jobs created.
var JobsCreatedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "migration_orchestrator_jobs_created_total",
		Help: "Total jobs created",
	},
	[]string{"kind"},
)

// RetriesExhaustedTotal tracks messages whose retry budget ran out.
var RetriesExhaustedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "migration_orchestrator_retries_exhausted_total",
		Help: "Total messages that exhausted their retry budget",
	},
	[]string{"queue"},
)

// DLQMessagesTotal tracks dead-lettered messages handled by the reprocessor
// (requeued, discarded).
var DLQMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "migration_orchestrator_dlq_messages_total",
		Help: "Total dead-lettered messages handled by the reprocessor",
	},
	[]string{"queue", "action"},
)

// PublishedTotal tracks the total number of published task messages.
var PublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "migration_orchestrator_published_total",
		Help: "Total task messages published",
	},
	[]string{"queue"},
)

// InFlight tracks messages currently being processed.
var InFlight = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "migration_orchestrator_in_flight",
		Help: "Messages currently being processed",
	},
	[]string{"queue"},
)

// StageDuration tracks time spent in a stage handler.
var StageDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "migration_orchestrator_stage_duration_seconds",
		Help:    "Time spent in a stage handler",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"stage"},
)
