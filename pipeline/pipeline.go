// Package pipeline creates the job graphs of migration, conversion and SQL
// execution requests, publishes their first tasks, and aggregates the
// outcomes of child jobs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/broker"
	"github.com/getpup/migration-orchestrator/internal/validate"
	"github.com/getpup/migration-orchestrator/metrics"
	"github.com/getpup/migration-orchestrator/sanitizer"
	"github.com/getpup/migration-orchestrator/stage"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/getpup/pupsourcing/es"
)

// ErrInvalidRequest indicates a request was rejected before any job was created.
var ErrInvalidRequest = errors.New("invalid request")

// Config configures a Pipeline.
type Config struct {
	// Store is the job store (required).
	Store store.JobStore

	// Publisher enqueues tasks (required).
	Publisher stage.Publisher

	// Topology routes object types to extraction queues (default: DefaultTopology).
	Topology *broker.Topology

	// Logger is optional.
	Logger es.Logger

	// Collector is optional.
	Collector *metrics.Collector
}

// Pipeline implements orchestrator.Orchestrator.
type Pipeline struct {
	config Config
}

var _ orchestrator.Orchestrator = (*Pipeline)(nil)

// New creates a Pipeline, applying the default topology.
func New(config Config) *Pipeline {
	if config.Topology == nil {
		config.Topology = broker.DefaultTopology()
	}
	return &Pipeline{config: config}
}

// Initiate creates the parent job, one child per selected object, and
// publishes one extraction task per child.
func (p *Pipeline) Initiate(ctx context.Context, req orchestrator.MigrationRequest) (string, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return "", err
	}

	parentKind := orchestrator.KindMigrationWorkflow
	if req.ExtractOnly {
		parentKind = orchestrator.KindDDLParent
	}

	parent, err := p.config.Store.CreateJob(ctx, store.NewJob{
		Kind:                 parentKind,
		Status:               orchestrator.StatusProcessing,
		SourceSchema:         req.SourceSchema,
		TargetSchema:         req.TargetSchema,
		SourceDBType:         req.SourceDBType,
		TargetDBType:         req.TargetDBType,
		SourceConnection:     req.SourceConnection,
		TargetConnection:     req.TargetConnection,
		DataMigrationEnabled: req.DataMigrationEnabled,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create parent job: %w", err)
	}
	p.config.Collector.IncJobsCreated(string(parentKind))

	for _, obj := range req.Objects {
		if err := p.startChild(ctx, parent, req, obj); err != nil {
			return parent.ID, err
		}
	}

	p.logInfo(ctx, "migration initiated", "jobID", parent.ID, "objects", len(req.Objects), "kind", parentKind)
	return parent.ID, nil
}

// startChild creates one object child and publishes its extraction task.
// Routing and publish failures fail only that child.
func (p *Pipeline) startChild(ctx context.Context, parent orchestrator.Job, req orchestrator.MigrationRequest, obj orchestrator.ObjectRef) error {
	kind := orchestrator.ExtractionKind(obj.ObjectType)
	if req.ExtractOnly {
		kind = orchestrator.KindDDLChild
	}
	dataMigration := req.DataMigrationEnabled && obj.ObjectType == orchestrator.ObjectTable

	child, err := p.config.Store.CreateJob(ctx, store.NewJob{
		Kind:                 kind,
		ParentID:             parent.ID,
		Status:               orchestrator.StatusQueued,
		Stages:               orchestrator.StageStatus{Extraction: orchestrator.StatusQueued},
		ObjectType:           obj.ObjectType,
		ObjectName:           obj.ObjectName,
		SourceSchema:         req.SourceSchema,
		TargetSchema:         req.TargetSchema,
		SourceDBType:         req.SourceDBType,
		TargetDBType:         req.TargetDBType,
		SourceConnection:     req.SourceConnection,
		TargetConnection:     req.TargetConnection,
		DataMigrationEnabled: dataMigration,
	})
	if err != nil {
		return fmt.Errorf("failed to create job for %s %s: %w", obj.ObjectType, obj.ObjectName, err)
	}
	p.config.Collector.IncJobsCreated(string(kind))

	queue, err := p.config.Topology.ExtractionQueue(obj.ObjectType)
	if err != nil {
		return p.failChild(ctx, child.ID, orchestrator.StageExtraction, err)
	}

	task := orchestrator.Task{
		JobID:                child.ID,
		ParentJobID:          parent.ID,
		SourceDBType:         req.SourceDBType,
		TargetDBType:         req.TargetDBType,
		SourceConnection:     req.SourceConnection,
		TargetConnection:     req.TargetConnection,
		SourceSchema:         req.SourceSchema,
		TargetSchema:         req.TargetSchema,
		ObjectType:           obj.ObjectType,
		ObjectName:           obj.ObjectName,
		DataMigrationEnabled: dataMigration,
		ExtractOnly:          req.ExtractOnly,
	}
	if err := p.config.Publisher.Publish(ctx, queue, task); err != nil {
		return p.failChild(ctx, child.ID, orchestrator.StageExtraction, fmt.Errorf("failed to publish task: %w", err))
	}
	return nil
}

// failChild marks a job failed before any task for it was published.
// Only a failure to record the failure is returned.
func (p *Pipeline) failChild(ctx context.Context, jobID string, stage orchestrator.Stage, cause error) error {
	p.logError(ctx, "job failed before publishing", "jobID", jobID, "error", cause)
	err := p.config.Store.UpdateStatus(ctx, jobID, orchestrator.StatusFailed, store.Update{}.
		Stage(stage, orchestrator.StatusFailed).
		ErrorMessage(cause.Error()))
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", jobID, err)
	}
	return nil
}

// normalizeRequest validates req against the request schema and normalizes
// object types.
func normalizeRequest(req orchestrator.MigrationRequest) (orchestrator.MigrationRequest, error) {
	if req.TargetDBType == "" {
		req.TargetDBType = orchestrator.DatabasePostgres
	}
	if len(req.TargetConnection) == 0 {
		req.TargetConnection = nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validate.JSON(validate.MigrationRequest, body); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	objects := make([]orchestrator.ObjectRef, len(req.Objects))
	for i, obj := range req.Objects {
		obj.ObjectType = orchestrator.NormalizeObjectType(string(obj.ObjectType))
		objects[i] = obj
	}
	req.Objects = objects
	return req, nil
}

// ConversionRequest submits standalone SQL for conversion.
type ConversionRequest struct {
	SourceDBType orchestrator.DatabaseType `json:"source_db_type"`
	SQL          string                    `json:"sql"`
	Filename     string                    `json:"filename,omitempty"`
}

// SubmitConversion splits SQL into statements and blocks using the source
// dialect and creates one conversion job per statement. Statements whose task
// cannot be published are failed.
func (p *Pipeline) SubmitConversion(ctx context.Context, req ConversionRequest) ([]string, error) {
	statements := sanitizer.SanitizeFor(req.SQL, req.SourceDBType)
	if len(statements) == 0 {
		return nil, fmt.Errorf("%w: no SQL statements to convert", ErrInvalidRequest)
	}

	ids := make([]string, 0, len(statements))
	for _, statement := range statements {
		job, err := p.config.Store.CreateJob(ctx, store.NewJob{
			Kind:         orchestrator.KindConversion,
			Status:       orchestrator.StatusQueued,
			Stages:       orchestrator.StageStatus{Conversion: orchestrator.StatusQueued},
			SourceDBType: req.SourceDBType,
			TargetDBType: orchestrator.DatabasePostgres,
			OriginalText: statement,
			Filename:     req.Filename,
		})
		if err != nil {
			return ids, fmt.Errorf("failed to create conversion job: %w", err)
		}
		p.config.Collector.IncJobsCreated(string(orchestrator.KindConversion))
		ids = append(ids, job.ID)

		task := orchestrator.Task{
			JobID:        job.ID,
			SourceDBType: req.SourceDBType,
			TargetDBType: orchestrator.DatabasePostgres,
			OriginalSQL:  statement,
		}
		if err := p.config.Publisher.Publish(ctx, broker.ConversionQueue, task); err != nil {
			if ferr := p.failChild(ctx, job.ID, orchestrator.StageConversion, fmt.Errorf("failed to publish task: %w", err)); ferr != nil {
				return ids, ferr
			}
		}
	}
	return ids, nil
}

// SQLSubmission submits a SQL file for execution against a target database.
type SQLSubmission struct {
	Filename         string                     `json:"filename"`
	SQL              string                     `json:"sql"`
	TargetConnection orchestrator.ConnectionRef `json:"target_connection"`
	Verification     bool                       `json:"is_verification"`
}

// SubmitSQL sanitizes a SQL file into statements, creates a sql_execution job
// and publishes it to the execution queue. A publish failure marks the job
// failed and is returned together with the job ID.
func (p *Pipeline) SubmitSQL(ctx context.Context, sub SQLSubmission) (string, error) {
	statements := sanitizer.Sanitize(sub.SQL)
	if len(statements) == 0 {
		return "", fmt.Errorf("%w: no SQL statements to execute", ErrInvalidRequest)
	}

	job, err := p.config.Store.CreateJob(ctx, store.NewJob{
		Kind:             orchestrator.KindSQLExecution,
		Status:           orchestrator.StatusQueued,
		Stages:           orchestrator.StageStatus{Execution: orchestrator.StatusQueued},
		TargetDBType:     orchestrator.DatabasePostgres,
		TargetConnection: sub.TargetConnection,
		OriginalText:     sub.SQL,
		Filename:         sub.Filename,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create execution job: %w", err)
	}
	p.config.Collector.IncJobsCreated(string(orchestrator.KindSQLExecution))

	task := orchestrator.Task{
		JobID:            job.ID,
		TargetDBType:     orchestrator.DatabasePostgres,
		TargetConnection: sub.TargetConnection,
		Statements:       statements,
		IsVerification:   sub.Verification,
	}
	if err := p.config.Publisher.Publish(ctx, broker.ExecutionQueue, task); err != nil {
		cause := fmt.Errorf("failed to publish task: %w", err)
		if ferr := p.failChild(ctx, job.ID, orchestrator.StageExecution, cause); ferr != nil {
			return job.ID, ferr
		}
		return job.ID, cause
	}

	p.logInfo(ctx, "sql execution submitted", "jobID", job.ID, "filename", sub.Filename, "statements", len(statements))
	return job.ID, nil
}

// Reconvert reopens a job for another conversion attempt and publishes a new
// conversion task. A non-empty originalSQL replaces the job's source text.
func (p *Pipeline) Reconvert(ctx context.Context, jobID, originalSQL string) error {
	if err := p.config.Store.Reconvert(ctx, jobID); err != nil {
		return err
	}
	if originalSQL != "" {
		if err := p.config.Store.Update(ctx, jobID, store.Update{}.OriginalText(originalSQL)); err != nil {
			return err
		}
	}

	job, err := p.config.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	task := orchestrator.Task{
		JobID:                job.ID,
		ParentJobID:          job.ParentID,
		SourceDBType:         job.SourceDBType,
		TargetDBType:         job.TargetDBType,
		SourceConnection:     job.SourceConnection,
		TargetConnection:     job.TargetConnection,
		SourceSchema:         job.SourceSchema,
		TargetSchema:         job.TargetSchema,
		ObjectType:           job.ObjectType,
		ObjectName:           job.ObjectName,
		DataMigrationEnabled: job.DataMigrationEnabled,
		OriginalSQL:          job.OriginalText,
	}
	if err := p.config.Publisher.Publish(ctx, broker.ConversionQueue, task); err != nil {
		return fmt.Errorf("failed to publish conversion task: %w", err)
	}

	p.logInfo(ctx, "job reopened for conversion", "jobID", jobID)
	return nil
}

func (p *Pipeline) logInfo(ctx context.Context, msg string, keyvals ...interface{}) {
	if p.config.Logger != nil {
		p.config.Logger.Info(ctx, msg, keyvals...)
	}
}

func (p *Pipeline) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if p.config.Logger != nil {
		p.config.Logger.Error(ctx, msg, keyvals...)
	}
}
