package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgreSQL error codes mapped to store errors.
const (
	codeForeignKeyViolation = "23503"
	codeInvalidText         = "22P02"
)

// Store is a PostgreSQL implementation of JobStore.
type Store struct {
	db        *sql.DB
	jobsTable string
}

// Compile-time check that Store implements JobStore.
var _ store.JobStore = (*Store)(nil)

// New creates a new PostgreSQL store with default table names.
func New(db *sql.DB) *Store {
	config := DefaultTableConfig()
	return NewWithConfig(db, config)
}

// NewWithConfig creates a new PostgreSQL store with custom table names.
func NewWithConfig(db *sql.DB, config TableConfig) *Store {
	return &Store{
		db:        db,
		jobsTable: config.JobsTable,
	}
}

// selectColumns lists the job columns in scanJob order, qualified by alias when set.
func selectColumns(alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	return strings.NewReplacer("{p}", p).Replace(`{p}job_id, COALESCE({p}parent_job_id::text, ''), {p}job_type, {p}status,
	COALESCE({p}extraction_status, ''), COALESCE({p}conversion_status, ''), COALESCE({p}execution_status, ''), COALESCE({p}data_migration_status, ''),
	COALESCE({p}object_type, ''), COALESCE({p}object_name, ''), COALESCE({p}source_schema, ''), COALESCE({p}target_schema, ''),
	COALESCE({p}source_db_type, ''), COALESCE({p}target_db_type, ''), {p}source_connection, {p}target_connection, {p}data_migration_enabled,
	COALESCE({p}original_sql, ''), COALESCE({p}converted_sql, ''), COALESCE({p}error_message, ''), COALESCE({p}filename, ''),
	{p}statement_results, {p}total_units, {p}succeeded_units, {p}failed_units, {p}published_units, {p}created_at, {p}updated_at`)
}

var jobColumns = selectColumns("")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, extra ...any) (orchestrator.Job, error) {
	var (
		job                      orchestrator.Job
		sourceConn, targetConn   []byte
		statementResults         []byte
		extraction, conversion   string
		execution, dataMigration string
	)

	dest := []any{
		&job.ID, &job.ParentID, &job.Kind, &job.Status,
		&extraction, &conversion, &execution, &dataMigration,
		&job.ObjectType, &job.ObjectName, &job.SourceSchema, &job.TargetSchema,
		&job.SourceDBType, &job.TargetDBType, &sourceConn, &targetConn, &job.DataMigrationEnabled,
		&job.OriginalText, &job.ConvertedText, &job.ErrorMessage, &job.Filename,
		&statementResults, &job.Counters.TotalUnits, &job.Counters.SucceededUnits, &job.Counters.FailedUnits,
		&job.Counters.PublishedUnits, &job.CreatedAt, &job.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return orchestrator.Job{}, err
	}

	job.Stages = orchestrator.StageStatus{
		Extraction:    orchestrator.Status(extraction),
		Conversion:    orchestrator.Status(conversion),
		Execution:     orchestrator.Status(execution),
		DataMigration: orchestrator.Status(dataMigration),
	}
	if len(sourceConn) > 0 {
		job.SourceConnection = json.RawMessage(sourceConn)
	}
	if len(targetConn) > 0 {
		job.TargetConnection = json.RawMessage(targetConn)
	}
	if len(statementResults) > 0 {
		if err := json.Unmarshal(statementResults, &job.StatementResults); err != nil {
			return orchestrator.Job{}, fmt.Errorf("failed to decode statement results: %w", err)
		}
	}
	return job, nil
}

func storageError(op string, err error) error {
	return &orchestrator.StorageError{Op: op, Err: err}
}

func isCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// CreateJob inserts a job with a new UUID.
// Returns orchestrator.ErrParentNotFound if ParentID is set and does not exist.
func (s *Store) CreateJob(ctx context.Context, nj store.NewJob) (orchestrator.Job, error) {
	status := nj.Status
	if status == "" {
		status = orchestrator.StatusPending
	}
	if nj.ParentID != "" {
		if _, err := uuid.Parse(nj.ParentID); err != nil {
			return orchestrator.Job{}, orchestrator.ErrParentNotFound
		}
	}

	id := uuid.New().String()
	query, args := buildInsert(s.jobsTable, id, nj, status)

	job := orchestrator.Job{
		ID:                   id,
		ParentID:             nj.ParentID,
		Kind:                 nj.Kind,
		Status:               status,
		Stages:               nj.Stages,
		ObjectType:           nj.ObjectType,
		ObjectName:           nj.ObjectName,
		SourceSchema:         nj.SourceSchema,
		TargetSchema:         nj.TargetSchema,
		SourceDBType:         nj.SourceDBType,
		TargetDBType:         nj.TargetDBType,
		SourceConnection:     nj.SourceConnection,
		TargetConnection:     nj.TargetConnection,
		DataMigrationEnabled: nj.DataMigrationEnabled,
		OriginalText:         nj.OriginalText,
		Filename:             nj.Filename,
		Counters:             orchestrator.Counters{TotalUnits: nj.TotalUnits},
	}

	err := s.db.QueryRowContext(ctx, query, args...).Scan(&job.CreatedAt, &job.UpdatedAt)
	if isCode(err, codeForeignKeyViolation) {
		return orchestrator.Job{}, orchestrator.ErrParentNotFound
	}
	if err != nil {
		return orchestrator.Job{}, storageError("create job", err)
	}

	return job, nil
}

// GetJob returns a job by ID.
// Returns orchestrator.ErrJobNotFound if the job does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (orchestrator.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return orchestrator.Job{}, orchestrator.ErrJobNotFound
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1`, jobColumns, s.jobsTable)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return orchestrator.Job{}, orchestrator.ErrJobNotFound
	}
	if err != nil {
		return orchestrator.Job{}, storageError("get job", err)
	}
	return job, nil
}

// GetJobs returns the jobs with the given IDs. Unknown and malformed IDs are skipped.
func (s *Store) GetJobs(ctx context.Context, ids []string) ([]orchestrator.Job, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return []orchestrator.Job{}, nil
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE job_id = ANY($1::uuid[])
		ORDER BY created_at, job_id
	`, jobColumns, s.jobsTable)

	return s.queryJobs(ctx, "get jobs", query, pq.Array(valid))
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]orchestrator.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	jobs := []orchestrator.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return jobs, nil
}

// UpdateStatus sets the overall status and applies update in one statement.
// Returns orchestrator.ErrJobNotFound if the job does not exist and
// orchestrator.ErrJobTerminal if the job is terminal with another status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status orchestrator.Status, update store.Update) error {
	if err := update.Validate(); err != nil {
		return err
	}
	return s.exec(ctx, "update job status", id, status, update)
}

// Update applies update without changing the overall status.
// Returns orchestrator.ErrJobNotFound if the job does not exist.
func (s *Store) Update(ctx context.Context, id string, update store.Update) error {
	if err := update.Validate(); err != nil {
		return err
	}
	return s.exec(ctx, "update job", id, "", update)
}

func (s *Store) exec(ctx context.Context, op, id string, status orchestrator.Status, update store.Update) error {
	if _, err := uuid.Parse(id); err != nil {
		return orchestrator.ErrJobNotFound
	}

	query, args, err := buildUpdate(s.jobsTable, id, status, update.Fields())
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageError(op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storageError("check rows affected", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", orchestrator.ErrJobTerminal, id, current.Status)
}

// GetChildren returns the children of parentID, oldest first, each joined with
// its newest data migration job.
func (s *Store) GetChildren(ctx context.Context, parentID string) ([]orchestrator.Job, error) {
	if _, err := uuid.Parse(parentID); err != nil {
		return []orchestrator.Job{}, nil
	}

	query := fmt.Sprintf(`
		SELECT %s,
			dm.job_id IS NOT NULL, COALESCE(dm.status, ''), COALESCE(dm.error_message, ''),
			COALESCE(dm.total_units, 0), COALESCE(dm.succeeded_units, 0), COALESCE(dm.failed_units, 0)
		FROM %s c
		LEFT JOIN LATERAL (
			SELECT d.job_id, d.status, d.error_message, d.total_units, d.succeeded_units, d.failed_units
			FROM %s d
			WHERE d.parent_job_id = c.job_id AND d.job_type = $2
			ORDER BY d.created_at DESC, d.job_id DESC
			LIMIT 1
		) dm ON TRUE
		WHERE c.parent_job_id = $1
		ORDER BY c.created_at, c.job_id
	`, selectColumns("c"), s.jobsTable, s.jobsTable)

	rows, err := s.db.QueryContext(ctx, query, parentID, string(orchestrator.KindDataMigration))
	if err != nil {
		return nil, storageError("get children", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	children := []orchestrator.Job{}
	for rows.Next() {
		var (
			hasDM bool
			dm    orchestrator.Job
		)
		child, err := scanJob(rows, &hasDM, &dm.Status, &dm.ErrorMessage,
			&dm.Counters.TotalUnits, &dm.Counters.SucceededUnits, &dm.Counters.FailedUnits)
		if err != nil {
			return nil, storageError("get children", err)
		}
		if hasDM {
			child = store.MergeDataMigration(child, dm)
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("get children", err)
	}
	return children, nil
}

// Paginate returns one page of jobs matching the query, newest first.
func (s *Store) Paginate(ctx context.Context, query store.Query) (store.Page, error) {
	query = query.Normalize()

	var (
		conditions []string
		args       []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if query.Kind != "" {
		conditions = append(conditions, "job_type = "+arg(string(query.Kind)))
	}
	if query.FiltersStatus() {
		conditions = append(conditions, "status = "+arg(query.Status))
	}
	if query.Search != "" {
		conditions = append(conditions, searchCondition(arg("%"+escapeLike(query.Search)+"%")))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, s.jobsTable, where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return store.Page{}, storageError("count jobs", err)
	}

	limit := arg(query.Size)
	offset := arg(query.Offset())
	listQuery := fmt.Sprintf(`
		SELECT %s FROM %s %s
		ORDER BY created_at DESC NULLS LAST, job_id
		LIMIT %s OFFSET %s
	`, jobColumns, s.jobsTable, where, limit, offset)

	jobs, err := s.queryJobs(ctx, "list jobs", listQuery, args...)
	if err != nil {
		return store.Page{}, err
	}

	return store.Page{
		Jobs:       jobs,
		Total:      total,
		TotalPages: store.TotalPages(total, query.Size),
		Page:       query.Page,
		Size:       query.Size,
	}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes the LIKE wildcards in s match literally.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// searchCondition matches the pattern placeholder p against the searchable columns.
func searchCondition(p string) string {
	columns := []string{"job_id::text", "original_sql", "converted_sql", "object_name", "filename"}
	matches := make([]string, len(columns))
	for i, column := range columns {
		matches[i] = fmt.Sprintf(`%s ILIKE %s ESCAPE '\'`, column, p)
	}
	return "(" + strings.Join(matches, " OR ") + ")"
}

// Reconvert resets a job to pending and clears the converted text and error message.
// Returns orchestrator.ErrJobNotFound if the job does not exist.
func (s *Store) Reconvert(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return orchestrator.ErrJobNotFound
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2,
			conversion_status = $2,
			execution_status = CASE WHEN execution_status IS NULL THEN NULL ELSE $2 END,
			converted_sql = NULL,
			error_message = NULL,
			statement_results = NULL,
			updated_at = NOW()
		WHERE job_id = $1
	`, s.jobsTable)

	result, err := s.db.ExecContext(ctx, query, id, string(orchestrator.StatusPending))
	if err != nil {
		return storageError("reconvert job", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storageError("check rows affected", err)
	}
	if rowsAffected == 0 {
		return orchestrator.ErrJobNotFound
	}
	return nil
}

// RecordUnit counts one finished unit in a single atomic statement and
// finalizes the job once every unit is counted. The statement matches no row
// when the unit is already in recorded_units, so a redelivered unit is
// counted once.
func (s *Store) RecordUnit(ctx context.Context, id string, unit int, ok bool, detail string) (orchestrator.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return orchestrator.Job{}, orchestrator.ErrJobNotFound
	}

	succeeded, failed := 0, 1
	if ok {
		succeeded, failed = 1, 0
		detail = ""
	}

	// SET expressions see the pre-update row, so the finished check adds the increments.
	query := fmt.Sprintf(`
		UPDATE %s
		SET succeeded_units = succeeded_units + $2,
			failed_units = failed_units + $3,
			recorded_units = array_append(recorded_units, $7::integer),
			error_message = CASE
				WHEN $4 = '' THEN error_message
				WHEN error_message IS NULL OR error_message = '' THEN $4
				ELSE error_message || '; ' || $4
			END,
			status = CASE
				WHEN status IN (%s) THEN status
				WHEN total_units > 0 AND succeeded_units + failed_units + $2 + $3 >= total_units
					THEN CASE WHEN failed_units + $3 > 0 THEN $5 ELSE $6 END
				ELSE status
			END,
			data_migration_status = CASE
				WHEN status IN (%s) THEN data_migration_status
				WHEN total_units > 0 AND succeeded_units + failed_units + $2 + $3 >= total_units
					THEN CASE WHEN failed_units + $3 > 0 THEN $5 ELSE $6 END
				ELSE data_migration_status
			END,
			updated_at = NOW()
		WHERE job_id = $1 AND NOT ($7::integer = ANY(recorded_units))
		RETURNING %s
	`, s.jobsTable, terminalList, terminalList, jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id, succeeded, failed, detail,
		string(orchestrator.StatusFailed), string(orchestrator.StatusCompleted), unit))
	if err == sql.ErrNoRows {
		// Either the job is missing or the unit was already counted.
		return s.GetJob(ctx, id)
	}
	if err != nil {
		return orchestrator.Job{}, storageError("record unit", err)
	}
	return job, nil
}

// HasUnit reports whether a unit of a data migration job is counted.
func (s *Store) HasUnit(ctx context.Context, id string, unit int) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, orchestrator.ErrJobNotFound
	}

	query := fmt.Sprintf(`SELECT $2::integer = ANY(recorded_units) FROM %s WHERE job_id = $1`, s.jobsTable)

	var counted bool
	err := s.db.QueryRowContext(ctx, query, id, unit).Scan(&counted)
	if err == sql.ErrNoRows {
		return false, orchestrator.ErrJobNotFound
	}
	if err != nil {
		return false, storageError("check unit", err)
	}
	return counted, nil
}

// ListKinds returns the distinct job kinds, sorted.
func (s *Store) ListKinds(ctx context.Context) ([]orchestrator.JobKind, error) {
	query := fmt.Sprintf(`SELECT DISTINCT job_type FROM %s ORDER BY job_type`, s.jobsTable)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageError("list kinds", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	kinds := []orchestrator.JobKind{}
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, storageError("list kinds", err)
		}
		kinds = append(kinds, orchestrator.JobKind(kind))
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list kinds", err)
	}
	return kinds, nil
}
