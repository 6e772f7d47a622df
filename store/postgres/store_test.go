package postgres

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreInitialization(t *testing.T) {
	t.Run("New uses the default table", func(t *testing.T) {
		s := New(nil)

		assert.NotNil(t, s)
		assert.Equal(t, "migration_jobs", s.jobsTable)
	})

	t.Run("NewWithConfig uses a custom table", func(t *testing.T) {
		s := NewWithConfig(nil, TableConfig{JobsTable: "conversion.jobs"})

		assert.Equal(t, "conversion.jobs", s.jobsTable)
	})

	t.Run("implements JobStore", func(t *testing.T) {
		var _ store.JobStore = (*Store)(nil)
	})
}

func TestMigrations(t *testing.T) {
	t.Run("MigrationUp creates the jobs table", func(t *testing.T) {
		sql := MigrationUp(DefaultTableConfig())

		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS migration_jobs")
		assert.Contains(t, sql, "REFERENCES migration_jobs(job_id)")
		assert.Contains(t, sql, "statement_results JSONB")
		assert.Contains(t, sql, "recorded_units INTEGER[] NOT NULL DEFAULT '{}'")
		assert.Contains(t, sql, "published_units INTEGER NOT NULL DEFAULT 0")
		assert.Contains(t, sql, "idx_jobs_parent ON migration_jobs(parent_job_id, created_at)")
		assert.Contains(t, sql, "idx_jobs_type_created")
	})

	t.Run("MigrationDown drops the jobs table", func(t *testing.T) {
		sql := MigrationDown(TableConfig{JobsTable: "custom_jobs"})

		assert.Contains(t, sql, "DROP TABLE IF EXISTS custom_jobs")
	})
}

func TestBuildInsert(t *testing.T) {
	t.Run("only supplied columns are inserted", func(t *testing.T) {
		query, args := buildInsert("migration_jobs", "id-1", store.NewJob{
			Kind:   orchestrator.KindMigrationWorkflow,
			Stages: orchestrator.StageStatus{Extraction: orchestrator.StatusPending},
		}, orchestrator.StatusPending)

		assert.Equal(t,
			"INSERT INTO migration_jobs (job_id, job_type, status, extraction_status) VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at",
			query)
		assert.Equal(t, []any{"id-1", "migration_workflow", "pending", "pending"}, args)
	})

	t.Run("child columns and connections", func(t *testing.T) {
		query, args := buildInsert("migration_jobs", "id-2", store.NewJob{
			Kind:                 orchestrator.ExtractionKind(orchestrator.ObjectTable),
			ParentID:             "parent",
			ObjectType:           orchestrator.ObjectTable,
			ObjectName:           "ORDERS",
			SourceConnection:     json.RawMessage(`{"host":"src"}`),
			DataMigrationEnabled: true,
			TotalUnits:           4,
		}, orchestrator.StatusQueued)

		assert.Contains(t, query, "parent_job_id")
		assert.Contains(t, query, "object_name")
		assert.Contains(t, query, "source_connection")
		assert.NotContains(t, query, "target_connection")
		assert.Contains(t, query, "data_migration_enabled")
		assert.Contains(t, query, "total_units")
		assert.Contains(t, args, []byte(`{"host":"src"}`))
		assert.Contains(t, args, 4)
	})
}

func TestBuildUpdate(t *testing.T) {
	t.Run("status update carries the terminal guard", func(t *testing.T) {
		update := store.Update{}.ErrorMessage("boom").Stage(orchestrator.StageConversion, orchestrator.StatusFailed)

		query, args, err := buildUpdate("migration_jobs", "id-1", orchestrator.StatusFailed, update.Fields())
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(query, "UPDATE migration_jobs SET updated_at = NOW(), status = $2"))
		assert.Contains(t, query, "error_message = $3")
		assert.Contains(t, query, "conversion_status = $4")
		assert.Contains(t, query, "WHERE job_id = $1 AND (status NOT IN ('verified', 'completed', 'failed') OR status = $2)")
		assert.Equal(t, []any{"id-1", "failed", "boom", "failed"}, args)
	})

	t.Run("plain update has no guard", func(t *testing.T) {
		update := store.Update{}.ConvertedText("SELECT 1;")

		query, args, err := buildUpdate("migration_jobs", "id-1", "", update.Fields())
		require.NoError(t, err)

		assert.Equal(t, "UPDATE migration_jobs SET updated_at = NOW(), converted_sql = $2 WHERE job_id = $1", query)
		assert.Equal(t, []any{"id-1", "SELECT 1;"}, args)
	})

	t.Run("statement results are encoded as JSON", func(t *testing.T) {
		results := []orchestrator.StatementResult{{Statement: "SELECT 1;", Status: orchestrator.StatusCompleted}}
		update := store.Update{}.StatementResults(results)

		_, args, err := buildUpdate("migration_jobs", "id-1", "", update.Fields())
		require.NoError(t, err)
		require.Len(t, args, 2)

		raw, ok := args[1].([]byte)
		require.True(t, ok)
		var decoded []orchestrator.StatementResult
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, results, decoded)
	})

	t.Run("cleared column is written as NULL", func(t *testing.T) {
		update := store.Update{}.Clear(store.ColumnErrorMessage)

		_, args, err := buildUpdate("migration_jobs", "id-1", "", update.Fields())
		require.NoError(t, err)
		assert.Equal(t, []any{"id-1", nil}, args)
	})
}

func TestSelectColumns(t *testing.T) {
	qualified := selectColumns("c")

	assert.Contains(t, qualified, "c.job_id,")
	assert.Contains(t, qualified, "COALESCE(c.parent_job_id::text, '')")
	assert.Contains(t, qualified, "c.updated_at")
	assert.NotContains(t, jobColumns, "c.")
	assert.Equal(t, strings.Count(jobColumns, ","), strings.Count(qualified, ","))
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"orders", "orders"},
		{"50%", `50\%`},
		{"order_items", `order\_items`},
		{`C:\data`, `C:\\data`},
		{`%_\`, `\%\_\\`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeLike(tt.in))
		})
	}
}

func TestSearchCondition(t *testing.T) {
	condition := searchCondition("$3")

	assert.Equal(t, 5, strings.Count(condition, `ILIKE $3 ESCAPE '\'`))
	assert.Contains(t, condition, "job_id::text ILIKE $3")
	assert.Contains(t, condition, "filename ILIKE $3")
	assert.True(t, strings.HasPrefix(condition, "("))
	assert.True(t, strings.HasSuffix(condition, ")"))
}
