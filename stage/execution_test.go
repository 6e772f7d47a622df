package stage

import (
	"context"
	"testing"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/migration-orchestrator/dispatch"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/getpup/migration-orchestrator/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executionTask(jobID string) orchestrator.Task {
	return orchestrator.Task{
		JobID:            jobID,
		ObjectType:       orchestrator.ObjectTable,
		ObjectName:       "orders",
		SourceSchema:     "shop",
		TargetSchema:     "public",
		SourceConnection: orchestrator.ConnectionRef(`{"host":"src"}`),
		TargetConnection: orchestrator.ConnectionRef(`{"host":"dst"}`),
		Statements:       []string{convertedSQL},
	}
}

func TestExecution_VerifiesObject(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusConverted})
	executor := &fakeExecutor{}

	h := NewExecutionHandler(ExecutionConfig{Store: s, Executor: executor})
	result := h.Handle(context.Background(), executionTask(job.ID))

	require.Equal(t, dispatch.OutcomeSuccess, result.Outcome, "%v", result.Err)

	got := getJob(t, s, job.ID)
	assert.Equal(t, orchestrator.StatusVerified, got.Status)
	assert.Equal(t, orchestrator.StatusCompleted, got.Stages.Execution)
	require.Len(t, got.StatementResults, 1)
	assert.Equal(t, convertedSQL, got.StatementResults[0].Statement)
	assert.Empty(t, got.Stages.DataMigration)
	assert.Equal(t, []bool{false}, executor.verify)
}

func TestExecution_SQLExecutionJobCompletes(t *testing.T) {
	s := memory.New()
	job, err := s.CreateJob(context.Background(), store.NewJob{
		Kind:         orchestrator.KindSQLExecution,
		Status:       orchestrator.StatusQueued,
		OriginalText: "CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);",
		Filename:     "schema.sql",
	})
	require.NoError(t, err)
	executor := &fakeExecutor{}

	h := NewExecutionHandler(ExecutionConfig{Store: s, Executor: executor})
	result := h.Handle(context.Background(), orchestrator.Task{JobID: job.ID})

	require.Equal(t, dispatch.OutcomeSuccess, result.Outcome, "%v", result.Err)
	assert.Equal(t, orchestrator.StatusCompleted, getJob(t, s, job.ID).Status)
	require.Len(t, executor.calls, 1)
	assert.Equal(t, []string{"CREATE TABLE a (id INT);", "CREATE TABLE b (id INT);"}, executor.calls[0])
}

func TestExecution_VerificationRunIsVerified(t *testing.T) {
	s := memory.New()
	job, err := s.CreateJob(context.Background(), store.NewJob{Kind: orchestrator.KindSQLExecution, Status: orchestrator.StatusQueued})
	require.NoError(t, err)
	executor := &fakeExecutor{}

	task := orchestrator.Task{JobID: job.ID, Statements: []string{"SELECT 1;"}, IsVerification: true}
	result := NewExecutionHandler(ExecutionConfig{Store: s, Executor: executor}).Handle(context.Background(), task)

	require.Equal(t, dispatch.OutcomeSuccess, result.Outcome)
	assert.Equal(t, orchestrator.StatusVerified, getJob(t, s, job.ID).Status)
	assert.Equal(t, []bool{true}, executor.verify)
}

func TestExecution_StatementFailureIsRetried(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusConverted})
	executor := &fakeExecutor{
		results: []orchestrator.StatementResult{{Statement: convertedSQL, Status: orchestrator.StatusFailed, Error: `relation "customers" does not exist`}},
		err:     orchestrator.Terminal(errBoom),
	}

	result := NewExecutionHandler(ExecutionConfig{Store: s, Executor: executor}).Handle(context.Background(), executionTask(job.ID))

	assert.Equal(t, dispatch.OutcomeTransient, result.Outcome)
	got := getJob(t, s, job.ID)
	assert.Equal(t, orchestrator.StatusProcessing, got.Status)
	require.Len(t, got.StatementResults, 1)
	assert.Equal(t, orchestrator.StatusFailed, got.StatementResults[0].Status)
}

func TestExecution_DataMigrationFanOut(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusConverted, DataMigrationEnabled: true})
	rows := &fakeRows{
		columns: []string{"ID", "NAME"},
		rows:    [][]any{{1, "a"}, {2, "b"}, {3, "c"}},
	}
	pub := &fakePublisher{}

	task := executionTask(job.ID)
	task.DataMigrationEnabled = true
	h := NewExecutionHandler(ExecutionConfig{Store: s, Executor: &fakeExecutor{}, Rows: rows, Publisher: pub})
	result := h.Handle(context.Background(), task)

	require.Equal(t, dispatch.OutcomeSuccess, result.Outcome, "%v", result.Err)

	children, err := s.GetChildren(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	dm := children[0]
	assert.Equal(t, orchestrator.KindDataMigration, dm.Kind)
	assert.Equal(t, orchestrator.StatusInProgress, dm.Status)
	assert.Equal(t, 3, dm.Counters.TotalUnits)

	calls := pub.published()
	require.Len(t, calls, 3)
	for i, call := range calls {
		assert.Equal(t, broker.RowInsertQueue, call.Queue)
		assert.Equal(t, dm.ID, call.Task.JobID)
		assert.Equal(t, job.ID, call.Task.ParentJobID)
		assert.Equal(t, i+1, call.Task.RowNumber)
		assert.Equal(t, "orders", call.Task.TargetTable)
		assert.Equal(t, "public", call.Task.TargetSchema)
		assert.Equal(t, []string{"ID", "NAME"}, call.Task.ColumnNames)
	}

	got := getJob(t, s, job.ID)
	assert.Equal(t, orchestrator.StatusVerified, got.Status)
	assert.Equal(t, orchestrator.StatusInProgress, got.Stages.DataMigration)

	t.Run("redelivery does not execute or fan out again", func(t *testing.T) {
		executor := &fakeExecutor{}
		redelivered := NewExecutionHandler(ExecutionConfig{Store: s, Executor: executor, Rows: rows, Publisher: pub})

		result := redelivered.Handle(context.Background(), task)

		assert.Equal(t, dispatch.OutcomeSuccess, result.Outcome)
		assert.Empty(t, executor.calls)
		assert.Equal(t, 1, rows.calls)
		assert.Len(t, pub.published(), 3)
	})
}

func TestExecution_ResumesAfterPartialFanOut(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusConverted, DataMigrationEnabled: true})
	rows := &fakeRows{columns: []string{"ID"}, rows: [][]any{{1}, {2}, {3}}}
	executor := &fakeExecutor{}

	task := executionTask(job.ID)
	task.DataMigrationEnabled = true

	failing := &fakePublisher{err: errBoom, failAfter: 1}
	h := NewExecutionHandler(ExecutionConfig{Store: s, Executor: executor, Rows: rows, Publisher: failing})
	result := h.Handle(context.Background(), task)
	require.Equal(t, dispatch.OutcomeTransient, result.Outcome)
	assert.ErrorIs(t, result.Err, errBoom)
	assert.Equal(t, orchestrator.StatusCompleted, getJob(t, s, job.ID).Stages.Execution)
	require.Len(t, failing.published(), 1)

	children, err := s.GetChildren(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, 1, children[0].Counters.PublishedUnits)

	pub := &fakePublisher{}
	retry := NewExecutionHandler(ExecutionConfig{Store: s, Executor: executor, Rows: rows, Publisher: pub})
	result = retry.Handle(context.Background(), task)

	require.Equal(t, dispatch.OutcomeSuccess, result.Outcome, "%v", result.Err)
	assert.Len(t, executor.calls, 1, "statements run once")

	children, err = s.GetChildren(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, children, 1, "the data migration job is reused")
	dm := children[0]
	assert.Equal(t, 3, dm.Counters.TotalUnits)
	assert.Equal(t, 3, dm.Counters.PublishedUnits)

	calls := pub.published()
	require.Len(t, calls, 2, "only the unpublished rows are sent")
	assert.Equal(t, 2, calls[0].Task.RowNumber)
	assert.Equal(t, 3, calls[1].Task.RowNumber)
	assert.Equal(t, dm.ID, calls[0].Task.JobID)
	assert.Equal(t, failing.published()[0].Task.JobID, dm.ID)
	assert.Equal(t, orchestrator.StatusInProgress, getJob(t, s, job.ID).Stages.DataMigration)
}

func TestExecution_EmptyTableCompletesDataMigration(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusConverted, DataMigrationEnabled: true})
	pub := &fakePublisher{}

	task := executionTask(job.ID)
	task.DataMigrationEnabled = true
	h := NewExecutionHandler(ExecutionConfig{Store: s, Executor: &fakeExecutor{}, Rows: &fakeRows{columns: []string{"ID"}}, Publisher: pub})
	result := h.Handle(context.Background(), task)

	require.Equal(t, dispatch.OutcomeSuccess, result.Outcome)
	assert.Empty(t, pub.published())
	assert.Equal(t, orchestrator.StatusCompleted, getJob(t, s, job.ID).Stages.DataMigration)
}

func TestExecution_FetchFailureIsRetried(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusConverted, DataMigrationEnabled: true})

	task := executionTask(job.ID)
	task.DataMigrationEnabled = true
	h := NewExecutionHandler(ExecutionConfig{Store: s, Executor: &fakeExecutor{}, Rows: &fakeRows{err: errBoom}, Publisher: &fakePublisher{}})
	result := h.Handle(context.Background(), task)

	assert.Equal(t, dispatch.OutcomeTransient, result.Outcome)
	assert.ErrorIs(t, result.Err, errBoom)
}
