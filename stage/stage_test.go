package stage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/getpup/migration-orchestrator/store/memory"
	"github.com/stretchr/testify/require"
)

type published struct {
	Queue string
	Task  orchestrator.Task
}

// fakePublisher accepts failAfter tasks, then returns err if set.
type fakePublisher struct {
	mu        sync.Mutex
	calls     []published
	err       error
	failAfter int
}

func (p *fakePublisher) Publish(ctx context.Context, queue string, task orchestrator.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil && len(p.calls) >= p.failAfter {
		return p.err
	}
	p.calls = append(p.calls, published{Queue: queue, Task: task})
	return nil
}

func (p *fakePublisher) published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]published, len(p.calls))
	copy(out, p.calls)
	return out
}

type extractorFunc func(ctx context.Context, conn orchestrator.ConnectionRef, schema string, objectType orchestrator.ObjectType, name string) (string, error)

func (f extractorFunc) ExtractDDL(ctx context.Context, conn orchestrator.ConnectionRef, schema string, objectType orchestrator.ObjectType, name string) (string, error) {
	return f(ctx, conn, schema, objectType, name)
}

type fakeConverter struct {
	inputs  []ConversionInput
	outputs []string
	err     error
}

func (c *fakeConverter) Convert(ctx context.Context, in ConversionInput) (string, error) {
	c.inputs = append(c.inputs, in)
	if c.err != nil {
		return "", c.err
	}
	out := c.outputs[0]
	if len(c.outputs) > 1 {
		c.outputs = c.outputs[1:]
	}
	return out, nil
}

type fakeVerifier struct {
	calls [][]string
	errs  []error
}

func (v *fakeVerifier) Verify(ctx context.Context, statements []string) error {
	v.calls = append(v.calls, statements)
	if len(v.errs) == 0 {
		return nil
	}
	err := v.errs[0]
	v.errs = v.errs[1:]
	return err
}

type fakeExecutor struct {
	calls   [][]string
	verify  []bool
	results []orchestrator.StatementResult
	err     error
}

func (e *fakeExecutor) Execute(ctx context.Context, conn orchestrator.ConnectionRef, statements []string, verify bool) ([]orchestrator.StatementResult, error) {
	e.calls = append(e.calls, statements)
	e.verify = append(e.verify, verify)
	if e.results != nil || e.err != nil {
		return e.results, e.err
	}
	results := make([]orchestrator.StatementResult, len(statements))
	for i, s := range statements {
		results[i] = orchestrator.StatementResult{Statement: s, Status: orchestrator.StatusCompleted}
	}
	return results, nil
}

type fakeRows struct {
	columns []string
	rows    [][]any
	err     error
	calls   int
}

func (r *fakeRows) FetchRows(ctx context.Context, conn orchestrator.ConnectionRef, schema, table string) ([]string, [][]any, error) {
	r.calls++
	return r.columns, r.rows, r.err
}

type insertedRow struct {
	Schema  string
	Table   string
	Columns []string
	Values  []any
}

// fakeWriter returns the queued errs one call at a time, then err.
type fakeWriter struct {
	mu   sync.Mutex
	rows []insertedRow
	errs []error
	err  error
}

func (w *fakeWriter) InsertRow(ctx context.Context, conn orchestrator.ConnectionRef, schema, table string, columns []string, values []any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		if err != nil {
			return err
		}
	} else if w.err != nil {
		return w.err
	}
	w.rows = append(w.rows, insertedRow{Schema: schema, Table: table, Columns: columns, Values: values})
	return nil
}

// newObjectJob creates a workflow parent and one object child in s.
func newObjectJob(t *testing.T, s *memory.Store, child store.NewJob) orchestrator.Job {
	t.Helper()
	ctx := context.Background()

	parent, err := s.CreateJob(ctx, store.NewJob{Kind: orchestrator.KindMigrationWorkflow, Status: orchestrator.StatusProcessing})
	require.NoError(t, err)

	child.ParentID = parent.ID
	if child.Kind == "" {
		child.Kind = orchestrator.ExtractionKind(orchestrator.ObjectTable)
	}
	job, err := s.CreateJob(ctx, child)
	require.NoError(t, err)
	return job
}

func getJob(t *testing.T, s *memory.Store, id string) orchestrator.Job {
	t.Helper()
	job, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

var errBoom = errors.New("boom")
