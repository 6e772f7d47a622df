package broker

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getpup/migration-orchestrator"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Fixed stage queues.
const (
	ConversionQueue = "conversion_jobs"
	ExecutionQueue  = "sql_execution_jobs"
	RowInsertQueue  = "data_migration_row_inserts"
)

// ExtractionQueue returns the default extraction queue name of an object type.
func ExtractionQueue(objectType orchestrator.ObjectType) string {
	return strings.ToLower(string(objectType)) + "_extraction_jobs"
}

// QueueSpec describes one work queue and its dead-letter pair.
type QueueSpec struct {
	Name  string
	Stage orchestrator.Stage

	// ObjectType is set for extraction queues.
	ObjectType orchestrator.ObjectType
}

// DeadLetterExchange returns the fanout exchange the queue dead-letters to.
func (q QueueSpec) DeadLetterExchange() string {
	return q.Name + "_dlx"
}

// DeadLetterQueue returns the queue bound to the dead-letter exchange.
func (q QueueSpec) DeadLetterQueue() string {
	return q.Name + "_dlq"
}

// Topology is the set of queues the pipeline uses and the routing of object
// types to extraction queues.
type Topology struct {
	extraction map[orchestrator.ObjectType]string
	queues     []QueueSpec
}

// DefaultTopology returns one extraction queue per object type plus the
// conversion, execution and row insert queues.
func DefaultTopology() *Topology {
	return NewTopology(nil)
}

// NewTopology returns the default topology with extraction queue names
// replaced by overrides. An empty override removes the object type's queue,
// so its objects fail fast at initiation.
func NewTopology(overrides map[orchestrator.ObjectType]string) *Topology {
	t := &Topology{extraction: make(map[orchestrator.ObjectType]string)}

	for _, objectType := range orchestrator.ObjectTypes {
		t.extraction[objectType] = ExtractionQueue(objectType)
	}
	for objectType, queue := range overrides {
		if queue == "" {
			delete(t.extraction, objectType)
			continue
		}
		t.extraction[objectType] = queue
	}

	objectTypes := make([]orchestrator.ObjectType, 0, len(t.extraction))
	for objectType := range t.extraction {
		objectTypes = append(objectTypes, objectType)
	}
	sort.Slice(objectTypes, func(i, j int) bool { return objectTypes[i] < objectTypes[j] })

	for _, objectType := range objectTypes {
		t.queues = append(t.queues, QueueSpec{
			Name:       t.extraction[objectType],
			Stage:      orchestrator.StageExtraction,
			ObjectType: objectType,
		})
	}
	t.queues = append(t.queues,
		QueueSpec{Name: ConversionQueue, Stage: orchestrator.StageConversion},
		QueueSpec{Name: ExecutionQueue, Stage: orchestrator.StageExecution},
		QueueSpec{Name: RowInsertQueue, Stage: orchestrator.StageDataMigration},
	)
	return t
}

// ExtractionQueue returns the extraction queue of an object type.
// Returns orchestrator.ErrNoQueueForObjectType if none is configured.
func (t *Topology) ExtractionQueue(objectType orchestrator.ObjectType) (string, error) {
	queue, ok := t.extraction[objectType]
	if !ok {
		return "", fmt.Errorf("%w: %s", orchestrator.ErrNoQueueForObjectType, objectType)
	}
	return queue, nil
}

// Queues returns every work queue, extraction queues first.
func (t *Topology) Queues() []QueueSpec {
	out := make([]QueueSpec, len(t.queues))
	copy(out, t.queues)
	return out
}

// Queue returns the spec of a work queue by name.
func (t *Topology) Queue(name string) (QueueSpec, bool) {
	for _, q := range t.queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueSpec{}, false
}

// Declarer declares exchanges and queues. *amqp.Channel implements it.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare declares the dead-letter exchange, the dead-letter queue and the
// work queue of every spec. Declaring an existing queue with the same
// arguments is a no-op. A conflicting declaration is reported as a
// *orchestrator.ConfigurationError.
func Declare(d Declarer, queues []QueueSpec) error {
	for _, q := range queues {
		if err := declareOne(d, q); err != nil {
			return err
		}
	}
	return nil
}

func declareOne(d Declarer, q QueueSpec) error {
	dlx, dlq := q.DeadLetterExchange(), q.DeadLetterQueue()

	if err := d.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return declareError("declare exchange "+dlx, err)
	}
	if _, err := d.QueueDeclare(dlq, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return declareError("declare queue "+dlq, err)
	}
	if err := d.QueueBind(dlq, "", dlx, false, nil); err != nil {
		return declareError("bind queue "+dlq, err)
	}
	if _, err := d.QueueDeclare(q.Name, true, false, false, false, amqp.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": dlx,
	}); err != nil {
		return declareError("declare queue "+q.Name, err)
	}
	return nil
}

func declareError(op string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return &orchestrator.ConfigurationError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
