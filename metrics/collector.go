package metrics

// Dispatch outcomes recorded by IncMessages.
const (
	OutcomeAck        = "ack"
	OutcomeRequeue    = "requeue"
	OutcomeDeadLetter = "dead_letter"
	OutcomeFailed     = "failed"
)

// Reprocessor actions recorded by IncDLQMessages.
const (
	ActionRequeued  = "requeued"
	ActionDiscarded = "discarded"
)

// Collector wraps metrics and provides helper methods.
// A nil *Collector is valid and records nothing, so components can take one optionally.
type Collector struct{}

// NewCollector creates a new Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// IncMessages increments the consumed messages counter for a queue and outcome.
func (c *Collector) IncMessages(queue, outcome string) {
	if c == nil {
		return
	}
	MessagesTotal.WithLabelValues(queue, outcome).Inc()
}

// IncJobsCreated increments the jobs created counter for a kind.
func (c *Collector) IncJobsCreated(kind string) {
	if c == nil {
		return
	}
	JobsCreatedTotal.WithLabelValues(kind).Inc()
}

// IncRetriesExhausted increments the retries exhausted counter for a queue.
func (c *Collector) IncRetriesExhausted(queue string) {
	if c == nil {
		return
	}
	RetriesExhaustedTotal.WithLabelValues(queue).Inc()
}

// IncDLQMessages increments the reprocessor counter for a queue and action.
func (c *Collector) IncDLQMessages(queue, action string) {
	if c == nil {
		return
	}
	DLQMessagesTotal.WithLabelValues(queue, action).Inc()
}

// IncPublished increments the published counter for a queue.
func (c *Collector) IncPublished(queue string) {
	if c == nil {
		return
	}
	PublishedTotal.WithLabelValues(queue).Inc()
}

// AddInFlight adjusts the in-flight gauge for a queue by delta.
func (c *Collector) AddInFlight(queue string, delta int) {
	if c == nil {
		return
	}
	InFlight.WithLabelValues(queue).Add(float64(delta))
}

// ObserveStageDuration records a stage handler duration observation.
func (c *Collector) ObserveStageDuration(stage string, seconds float64) {
	if c == nil {
		return
	}
	StageDuration.WithLabelValues(stage).Observe(seconds)
}
