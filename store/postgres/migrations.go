package postgres

import "fmt"

// TableConfig configures the table name used by the job store.
type TableConfig struct {
	// JobsTable is the name of the table storing every job, optionally schema-qualified.
	JobsTable string
}

// DefaultTableConfig returns the default table configuration.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		JobsTable: "migration_jobs",
	}
}

// MigrationUp returns the SQL to create the jobs table.
// Children reference their parent, and data migration jobs reference the
// object job they fill, so the parent column carries a foreign key.
func MigrationUp(config TableConfig) string {
	t := config.JobsTable
	return fmt.Sprintf(`-- Create jobs table
CREATE TABLE IF NOT EXISTS %s (
    job_id UUID PRIMARY KEY,
    parent_job_id UUID REFERENCES %s(job_id),
    job_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    extraction_status TEXT,
    conversion_status TEXT,
    execution_status TEXT,
    data_migration_status TEXT,
    object_type TEXT,
    object_name TEXT,
    source_schema TEXT,
    target_schema TEXT,
    source_db_type TEXT,
    target_db_type TEXT,
    source_connection JSONB,
    target_connection JSONB,
    data_migration_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    original_sql TEXT,
    converted_sql TEXT,
    error_message TEXT,
    filename TEXT,
    statement_results JSONB,
    total_units INTEGER NOT NULL DEFAULT 0,
    succeeded_units INTEGER NOT NULL DEFAULT 0,
    failed_units INTEGER NOT NULL DEFAULT 0,
    published_units INTEGER NOT NULL DEFAULT 0,
    recorded_units INTEGER[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Index for fetching children of a parent
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON %s(parent_job_id, created_at);

-- Index for paginated listing by kind
CREATE INDEX IF NOT EXISTS idx_jobs_type_created ON %s(job_type, created_at DESC);

-- Index for status filters
CREATE INDEX IF NOT EXISTS idx_jobs_status ON %s(status);

-- Row bookkeeping columns for tables created before they existed
ALTER TABLE %s
    ADD COLUMN IF NOT EXISTS published_units INTEGER NOT NULL DEFAULT 0,
    ADD COLUMN IF NOT EXISTS recorded_units INTEGER[] NOT NULL DEFAULT '{}';
`, t, t, t, t, t, t)
}

// MigrationDown returns the SQL to drop the jobs table.
func MigrationDown(config TableConfig) string {
	return fmt.Sprintf(`-- Drop jobs table
DROP TABLE IF EXISTS %s;
`, config.JobsTable)
}
