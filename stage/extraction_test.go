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

const ordersDDL = "CREATE TABLE ORDERS (ID NUMBER PRIMARY KEY)"

func newExtractionHandler(s store.JobStore, pub Publisher, ddl string, err error) *ExtractionHandler {
	return NewExtractionHandler(ExtractionConfig{
		Store: s,
		Extractors: map[orchestrator.DatabaseType]Extractor{
			orchestrator.DatabaseMySQL: extractorFunc(func(ctx context.Context, conn orchestrator.ConnectionRef, schema string, objectType orchestrator.ObjectType, name string) (string, error) {
				return ddl, err
			}),
		},
		Publisher: pub,
	})
}

func extractionTask(jobID string) orchestrator.Task {
	return orchestrator.Task{
		JobID:        jobID,
		SourceDBType: orchestrator.DatabaseMySQL,
		SourceSchema: "shop",
		ObjectType:   orchestrator.ObjectTable,
		ObjectName:   "ORDERS",
	}
}

func TestExtraction_PublishesConversion(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusQueued})
	pub := &fakePublisher{}

	result := newExtractionHandler(s, pub, ordersDDL, nil).Handle(context.Background(), extractionTask(job.ID))

	require.Equal(t, dispatch.OutcomeSuccess, result.Outcome, "%v", result.Err)

	got := getJob(t, s, job.ID)
	assert.Equal(t, orchestrator.StatusExtracted, got.Status)
	assert.Equal(t, orchestrator.StatusCompleted, got.Stages.Extraction)
	assert.Equal(t, orchestrator.StatusQueued, got.Stages.Conversion)
	assert.Equal(t, ordersDDL, got.OriginalText)

	calls := pub.published()
	require.Len(t, calls, 1)
	assert.Equal(t, broker.ConversionQueue, calls[0].Queue)
	assert.Equal(t, job.ID, calls[0].Task.JobID)
	assert.Equal(t, ordersDDL, calls[0].Task.OriginalSQL)
}

func TestExtraction_ExtractOnlyCompletes(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Kind: orchestrator.KindDDLChild, Status: orchestrator.StatusQueued})
	pub := &fakePublisher{}

	task := extractionTask(job.ID)
	task.ExtractOnly = true
	result := newExtractionHandler(s, pub, ordersDDL, nil).Handle(context.Background(), task)

	require.Equal(t, dispatch.OutcomeSuccess, result.Outcome)
	got := getJob(t, s, job.ID)
	assert.Equal(t, orchestrator.StatusCompleted, got.Status)
	assert.Equal(t, ordersDDL, got.OriginalText)
	assert.Empty(t, pub.published())
}

func TestExtraction_Failures(t *testing.T) {
	tests := []struct {
		name    string
		task    func(id string) orchestrator.Task
		err     error
		outcome dispatch.Outcome
	}{
		{
			name: "unsupported source engine",
			task: func(id string) orchestrator.Task {
				task := extractionTask(id)
				task.SourceDBType = orchestrator.DatabaseTeradata
				return task
			},
			outcome: dispatch.OutcomeTerminal,
		},
		{
			name: "unknown object type",
			task: func(id string) orchestrator.Task {
				task := extractionTask(id)
				task.ObjectType = "SYNONYM"
				return task
			},
			outcome: dispatch.OutcomeTerminal,
		},
		{
			name:    "extractor error is retried",
			task:    extractionTask,
			err:     errBoom,
			outcome: dispatch.OutcomeTransient,
		},
		{
			name:    "unknown job",
			task:    func(string) orchestrator.Task { return extractionTask("missing") },
			outcome: dispatch.OutcomeTerminal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusQueued})
			pub := &fakePublisher{}

			result := newExtractionHandler(s, pub, ordersDDL, tt.err).Handle(context.Background(), tt.task(job.ID))

			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Error(t, result.Err)
			assert.Empty(t, pub.published())
		})
	}
}

func TestExtraction_PublishFailureIsTransient(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusQueued})
	pub := &fakePublisher{err: errBoom}

	result := newExtractionHandler(s, pub, ordersDDL, nil).Handle(context.Background(), extractionTask(job.ID))

	assert.Equal(t, dispatch.OutcomeTransient, result.Outcome)
	assert.ErrorIs(t, result.Err, errBoom)
}

func TestExtraction_TerminalJobIsSkipped(t *testing.T) {
	s := memory.New()
	job := newObjectJob(t, s, store.NewJob{Status: orchestrator.StatusFailed})
	pub := &fakePublisher{}

	result := newExtractionHandler(s, pub, ordersDDL, nil).Handle(context.Background(), extractionTask(job.ID))

	assert.Equal(t, dispatch.OutcomeSuccess, result.Outcome)
	assert.Equal(t, orchestrator.StatusFailed, getJob(t, s, job.ID).Status)
	assert.Empty(t, pub.published())
}
