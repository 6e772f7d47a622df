package pipeline

import (
	"context"
	"sort"
	"strings"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/sanitizer"
)

// Aggregate returns the status view of a parent job.
// Returns orchestrator.ErrJobNotFound if the parent does not exist.
func (p *Pipeline) Aggregate(ctx context.Context, parentJobID string) (orchestrator.StatusView, error) {
	if _, err := p.config.Store.GetJob(ctx, parentJobID); err != nil {
		return orchestrator.StatusView{}, err
	}
	children, err := p.config.Store.GetChildren(ctx, parentJobID)
	if err != nil {
		return orchestrator.StatusView{}, err
	}
	return BuildView(parentJobID, children), nil
}

// AggregateJobs returns the status view of an arbitrary set of jobs.
// Unknown IDs are skipped; orchestrator.ErrJobNotFound is returned when none exist.
func (p *Pipeline) AggregateJobs(ctx context.Context, ids []string) (orchestrator.StatusView, error) {
	jobs, err := p.config.Store.GetJobs(ctx, ids)
	if err != nil {
		return orchestrator.StatusView{}, err
	}
	if len(jobs) == 0 {
		return orchestrator.StatusView{}, orchestrator.ErrJobNotFound
	}
	return BuildView("", jobs), nil
}

// BuildView classifies jobs into a status view. The result depends only on
// the set of jobs, not on their order.
func BuildView(parentJobID string, jobs []orchestrator.Job) orchestrator.StatusView {
	sorted := make([]orchestrator.Job, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	view := orchestrator.StatusView{
		ParentJobID: parentJobID,
		Children:    []orchestrator.ChildView{},
		Processing:  []orchestrator.ChildView{},
		Succeeded:   []orchestrator.ChildView{},
		Failed:      []orchestrator.ChildView{},
	}
	for _, job := range sorted {
		child := childView(job)
		view.Children = append(view.Children, child)
		switch Outcome(job) {
		case OutcomeProcessing:
			view.Processing = append(view.Processing, child)
		case OutcomeFailed:
			view.Failed = append(view.Failed, child)
		default:
			view.Succeeded = append(view.Succeeded, child)
		}
	}

	switch {
	case len(view.Processing) > 0:
		view.State = orchestrator.PipelineProcessing
	case len(view.Failed) == 0:
		view.State = orchestrator.PipelineCompleted
	case len(view.Succeeded) == 0:
		view.State = orchestrator.PipelineFailed
	default:
		view.State = orchestrator.PipelinePartial
	}
	return view
}

// ChildOutcome is the aggregate classification of one job.
type ChildOutcome int

const (
	OutcomeProcessing ChildOutcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

// Outcome classifies a job. A job whose data migration is still running is
// processing even if the job itself is terminal.
func Outcome(job orchestrator.Job) ChildOutcome {
	dm := job.Stages.DataMigration
	switch {
	case !job.Status.IsTerminal():
		return OutcomeProcessing
	case dm != "" && !dm.IsTerminal():
		return OutcomeProcessing
	case job.Status == orchestrator.StatusFailed, dm == orchestrator.StatusFailed:
		return OutcomeFailed
	default:
		return OutcomeSucceeded
	}
}

func childView(job orchestrator.Job) orchestrator.ChildView {
	return orchestrator.ChildView{
		JobID:         job.ID,
		Kind:          job.Kind,
		ObjectType:    job.ObjectType,
		ObjectName:    job.ObjectName,
		Status:        job.Status,
		Stages:        job.Stages,
		Counters:      job.Counters,
		Error:         job.ErrorMessage,
		OriginalText:  job.OriginalText,
		ConvertedText: job.ConvertedText,
	}
}

// RenderSQL renders a finished view as one script: converted SQL of the
// succeeded jobs, then the source SQL of the failed jobs, each preceded by its
// error. Parts are joined with sanitizer.JoinDelimiter.
func RenderSQL(view orchestrator.StatusView) string {
	var parts []string
	if len(view.Succeeded) > 0 {
		parts = append(parts, "-- Successful Conversions --")
		for _, child := range view.Succeeded {
			parts = append(parts, child.ConvertedText)
		}
	}
	if len(view.Failed) > 0 {
		parts = append(parts, "-- Failed Conversions --")
		for _, child := range view.Failed {
			parts = append(parts, "-- Job failed with error: "+child.Error+"\n"+child.OriginalText)
		}
	}
	return strings.Join(parts, sanitizer.JoinDelimiter)
}
