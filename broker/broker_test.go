package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getpup/migration-orchestrator"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type declareCall struct {
	kind string
	name string
	args amqp.Table
}

type fakeDeclarer struct {
	calls    []declareCall
	failName string
	failErr  error
}

func (f *fakeDeclarer) fail(name string) error {
	if name == f.failName {
		return f.failErr
	}
	return nil
}

func (f *fakeDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.calls = append(f.calls, declareCall{kind: "exchange:" + kind, name: name, args: args})
	return f.fail(name)
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.calls = append(f.calls, declareCall{kind: "queue", name: name, args: args})
	return amqp.Queue{Name: name}, f.fail(name)
}

func (f *fakeDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.calls = append(f.calls, declareCall{kind: "bind:" + exchange, name: name})
	return f.fail("bind:" + name)
}

func TestDefaultTopology(t *testing.T) {
	topology := DefaultTopology()

	queues := topology.Queues()
	require.Len(t, queues, len(orchestrator.ObjectTypes)+3)

	queue, err := topology.ExtractionQueue(orchestrator.ObjectTable)
	require.NoError(t, err)
	assert.Equal(t, "table_extraction_jobs", queue)

	last := queues[len(queues)-3:]
	assert.Equal(t, ConversionQueue, last[0].Name)
	assert.Equal(t, ExecutionQueue, last[1].Name)
	assert.Equal(t, RowInsertQueue, last[2].Name)

	spec, ok := topology.Queue("procedure_extraction_jobs")
	require.True(t, ok)
	assert.Equal(t, orchestrator.ObjectProcedure, spec.ObjectType)
	assert.Equal(t, "procedure_extraction_jobs_dlx", spec.DeadLetterExchange())
	assert.Equal(t, "procedure_extraction_jobs_dlq", spec.DeadLetterQueue())
}

func TestNewTopology_Overrides(t *testing.T) {
	topology := NewTopology(map[orchestrator.ObjectType]string{
		orchestrator.ObjectTable:   "oracle_tables",
		orchestrator.ObjectPackage: "",
	})

	queue, err := topology.ExtractionQueue(orchestrator.ObjectTable)
	require.NoError(t, err)
	assert.Equal(t, "oracle_tables", queue)

	_, err = topology.ExtractionQueue(orchestrator.ObjectPackage)
	assert.ErrorIs(t, err, orchestrator.ErrNoQueueForObjectType)

	_, ok := topology.Queue("package_extraction_jobs")
	assert.False(t, ok)
}

func TestDeclare(t *testing.T) {
	d := &fakeDeclarer{}

	err := Declare(d, []QueueSpec{{Name: ConversionQueue, Stage: orchestrator.StageConversion}})
	require.NoError(t, err)

	require.Len(t, d.calls, 4)
	assert.Equal(t, declareCall{kind: "exchange:fanout", name: "conversion_jobs_dlx"}, d.calls[0])
	assert.Equal(t, "conversion_jobs_dlq", d.calls[1].name)
	assert.Equal(t, "quorum", d.calls[1].args["x-queue-type"])
	assert.Equal(t, declareCall{kind: "bind:conversion_jobs_dlx", name: "conversion_jobs_dlq"}, d.calls[2])
	assert.Equal(t, "conversion_jobs", d.calls[3].name)
	assert.Equal(t, "conversion_jobs_dlx", d.calls[3].args["x-dead-letter-exchange"])
}

func TestDeclare_PreconditionFailedIsConfigurationError(t *testing.T) {
	d := &fakeDeclarer{
		failName: ExecutionQueue,
		failErr:  &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'x-queue-type'"},
	}

	err := Declare(d, DefaultTopology().Queues())

	var cfgErr *orchestrator.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "declare queue sql_execution_jobs", cfgErr.Op)
	assert.True(t, orchestrator.IsConfiguration(err))
}

func TestDeclare_OtherErrorsAreWrapped(t *testing.T) {
	d := &fakeDeclarer{failName: "conversion_jobs_dlx", failErr: amqp.ErrClosed}

	err := Declare(d, DefaultTopology().Queues())

	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.False(t, orchestrator.IsConfiguration(err))
}

func TestAttempts(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"no headers", nil, 0},
		{
			"x-death for the consumed queue",
			amqp.Table{DeathHeader: []interface{}{
				amqp.Table{"queue": "other_jobs", "count": int64(9)},
				amqp.Table{"queue": ExecutionQueue, "count": int64(2)},
			}},
			2,
		},
		{"quorum delivery count", amqp.Table{DeliveryCountHeader: int64(3)}, 3},
		{"self-carried retry count", amqp.Table{RetryCountHeader: int32(1)}, 1},
		{
			"largest wins",
			amqp.Table{
				RetryCountHeader:    int32(1),
				DeliveryCountHeader: int64(4),
				DeathHeader:         []interface{}{amqp.Table{"queue": ExecutionQueue, "count": int64(2)}},
			},
			4,
		},
		{"malformed values are ignored", amqp.Table{DeathHeader: "bogus", RetryCountHeader: "2"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Attempts(tt.headers, ExecutionQueue))
		})
	}
}

func TestWithRetryCount(t *testing.T) {
	original := amqp.Table{"traceparent": "00-abc-def-01"}

	updated := WithRetryCount(original, 2)

	assert.Equal(t, 2, RetryCount(updated))
	assert.Equal(t, "00-abc-def-01", updated["traceparent"])
	assert.NotContains(t, original, RetryCountHeader)
}

type fakePublishChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakePublishChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	ch := &fakePublishChannel{}
	publisher := NewPublisher(ch, PublisherConfig{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	err := publisher.Publish(ctx, ConversionQueue, orchestrator.Task{JobID: "job-1", OriginalSQL: "SELECT 1 FROM dual"})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, ConversionQueue, ch.keys[0])
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.NotEmpty(t, msg.MessageId)
	assert.JSONEq(t, `{"job_id":"job-1","original_sql":"SELECT 1 FROM dual"}`, string(msg.Body))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msg.Headers["traceparent"])

	extracted := trace.SpanContextFromContext(ExtractTrace(context.Background(), msg.Headers, nil))
	assert.Equal(t, traceID, extracted.TraceID())
}

func TestPublisher_PublishError(t *testing.T) {
	ch := &fakePublishChannel{err: amqp.ErrClosed}
	publisher := NewPublisher(ch, PublisherConfig{Propagator: propagation.TraceContext{}})

	err := publisher.Publish(context.Background(), ExecutionQueue, orchestrator.Task{JobID: "job-1"})

	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.Contains(t, err.Error(), "sql_execution_jobs")
}

func TestHeaderCarrier(t *testing.T) {
	carrier := HeaderCarrier(amqp.Table{"bytes": []byte("b"), "int": int32(3)})
	carrier.Set("traceparent", "value")

	assert.Equal(t, "value", carrier.Get("traceparent"))
	assert.Equal(t, "b", carrier.Get("bytes"))
	assert.Equal(t, "3", carrier.Get("int"))
	assert.Equal(t, "", carrier.Get("missing"))
	assert.ElementsMatch(t, []string{"bytes", "int", "traceparent"}, carrier.Keys())
}

func TestDial_RetriesThenFails(t *testing.T) {
	attempts := 0
	dialErr := errors.New("connection refused")

	_, err := Dial(context.Background(), "amqp://localhost", DialConfig{
		Attempts: 3,
		Delay:    time.Millisecond,
		dial: func(string) (*amqp.Connection, error) {
			attempts++
			return nil, dialErr
		},
	})

	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 3, attempts)
}

func TestDial_SucceedsAfterRetry(t *testing.T) {
	attempts := 0
	conn := &amqp.Connection{}

	got, err := Dial(context.Background(), "amqp://localhost", DialConfig{
		Attempts: 3,
		Delay:    time.Millisecond,
		dial: func(string) (*amqp.Connection, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("connection refused")
			}
			return conn, nil
		},
	})

	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.Equal(t, 2, attempts)
}

func TestDial_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, "amqp://localhost", DialConfig{
		Attempts: 5,
		Delay:    time.Hour,
		dial: func(string) (*amqp.Connection, error) {
			return nil, errors.New("connection refused")
		},
	})

	assert.ErrorIs(t, err, context.Canceled)
}

type fakeAcknowledger struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func TestDelivery(t *testing.T) {
	ack := &fakeAcknowledger{}
	d := Wrap(amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		Body:         []byte(`{"job_id":"job-1"}`),
		Headers:      amqp.Table{RetryCountHeader: int32(1)},
	})

	assert.Equal(t, `{"job_id":"job-1"}`, string(d.Body()))
	assert.Equal(t, 1, RetryCount(d.Headers()))

	require.NoError(t, d.Nack(true))
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)

	require.NoError(t, d.Ack())
	assert.Equal(t, 1, ack.acked)
}

type fakeConsumeChannel struct {
	prefetch int
	queue    string
	autoAck  bool
}

func (f *fakeConsumeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeConsumeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.queue = queue
	f.autoAck = autoAck
	return make(chan amqp.Delivery), nil
}

func TestSubscribe(t *testing.T) {
	ch := &fakeConsumeChannel{}

	deliveries, err := Subscribe(ch, RowInsertQueue, "worker-1", 0)

	require.NoError(t, err)
	assert.NotNil(t, deliveries)
	assert.Equal(t, 1, ch.prefetch, "prefetch defaults to one in-flight message")
	assert.Equal(t, RowInsertQueue, ch.queue)
	assert.False(t, ch.autoAck)
}
