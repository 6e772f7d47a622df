package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	pgstore "github.com/getpup/migration-orchestrator/store/postgres"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// validateIdentifier ensures an identifier contains only safe characters for SQL.
// Returns an error if the identifier contains characters that could be used for SQL injection.
func validateIdentifier(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%s must start with a letter and contain only letters, numbers, and underscores (got: %s)", fieldName, name)
	}
	return nil
}

// validateConfig validates all configuration values to prevent SQL injection.
func validateConfig(config *Config) error {
	if err := validateIdentifier(config.SchemaName, "SchemaName"); err != nil {
		return err
	}
	return validateIdentifier(config.JobsTable, "JobsTable")
}

// Config configures migration generation for the job store.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// SchemaName is the database schema name (PostgreSQL) or database name (MySQL).
	// SQLite has no schemas, so it prefixes the table name instead (e.g. migration_jobs).
	SchemaName string

	// JobsTable is the name of the table storing every job
	JobsTable string
}

// DefaultConfig returns the default configuration for job store migrations.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_migration_jobs.sql", timestamp),
		SchemaName:     "migration",
		JobsTable:      "jobs",
	}
}

// QualifiedTable returns the table name the job store should be configured
// with for the given dialect.
func (c Config) QualifiedTable(adapter string) string {
	switch adapter {
	case "sqlite":
		return c.SchemaName + "_" + c.JobsTable
	default:
		return c.SchemaName + "." + c.JobsTable
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return generate(config, generatePostgresSQL)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return generate(config, generateMySQLSQL)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return generate(config, generateSQLiteSQL)
}

func generate(config *Config, render func(*Config) string) error {
	// Validate configuration to prevent SQL injection
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(render(config)), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}
	return nil
}

func generatePostgresSQL(config *Config) string {
	table := pgstore.TableConfig{JobsTable: config.QualifiedTable("postgres")}
	return fmt.Sprintf(`-- Migration Job Store
-- Generated: %s
-- Database: PostgreSQL

-- Create schema for the job store
CREATE SCHEMA IF NOT EXISTS %s;

%s`,
		time.Now().Format(time.RFC3339),
		config.SchemaName,
		pgstore.MigrationUp(table),
	)
}

func generateMySQLSQL(config *Config) string {
	t := config.JobsTable
	return fmt.Sprintf(`-- Migration Job Store
-- Generated: %s
-- Database: MySQL/MariaDB

-- In MySQL, we use a separate database instead of schema
CREATE DATABASE IF NOT EXISTS %s
    DEFAULT CHARACTER SET utf8mb4
    DEFAULT COLLATE utf8mb4_unicode_ci;

USE %s;

-- Jobs table holds root jobs, object children and data migration jobs.
-- Data migration jobs reference the object job they fill through parent_job_id.
CREATE TABLE IF NOT EXISTS %s (
    job_id CHAR(36) PRIMARY KEY,
    parent_job_id CHAR(36) NULL,
    job_type VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    extraction_status VARCHAR(32) NULL,
    conversion_status VARCHAR(32) NULL,
    execution_status VARCHAR(32) NULL,
    data_migration_status VARCHAR(32) NULL,
    object_type VARCHAR(32) NULL,
    object_name VARCHAR(255) NULL,
    source_schema VARCHAR(255) NULL,
    target_schema VARCHAR(255) NULL,
    source_db_type VARCHAR(32) NULL,
    target_db_type VARCHAR(32) NULL,
    source_connection JSON NULL,
    target_connection JSON NULL,
    data_migration_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    original_sql LONGTEXT NULL,
    converted_sql LONGTEXT NULL,
    error_message TEXT NULL,
    filename VARCHAR(255) NULL,
    statement_results JSON NULL,
    total_units INT NOT NULL DEFAULT 0,
    succeeded_units INT NOT NULL DEFAULT 0,
    failed_units INT NOT NULL DEFAULT 0,
    published_units INT NOT NULL DEFAULT 0,
    recorded_units JSON NULL,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),

    CONSTRAINT fk_%s_parent FOREIGN KEY (parent_job_id) REFERENCES %s (job_id),
    INDEX idx_%s_parent (parent_job_id, created_at),
    INDEX idx_%s_type_created (job_type, created_at DESC),
    INDEX idx_%s_status (status)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`,
		time.Now().Format(time.RFC3339),
		config.SchemaName,
		config.SchemaName,
		t,
		t, t,
		t, t, t,
	)
}

func generateSQLiteSQL(config *Config) string {
	// SQLite doesn't support schemas, so we use table name prefixes instead
	t := config.QualifiedTable("sqlite")

	return fmt.Sprintf(`-- Migration Job Store
-- Generated: %s
-- Database: SQLite

-- Jobs table holds root jobs, object children and data migration jobs.
-- Data migration jobs reference the object job they fill through parent_job_id.
CREATE TABLE IF NOT EXISTS %s (
    job_id TEXT PRIMARY KEY,
    parent_job_id TEXT REFERENCES %s (job_id),
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
    source_connection TEXT,
    target_connection TEXT,
    data_migration_enabled INTEGER NOT NULL DEFAULT 0 CHECK (data_migration_enabled IN (0, 1)),
    original_sql TEXT,
    converted_sql TEXT,
    error_message TEXT,
    filename TEXT,
    statement_results TEXT,
    total_units INTEGER NOT NULL DEFAULT 0,
    succeeded_units INTEGER NOT NULL DEFAULT 0,
    failed_units INTEGER NOT NULL DEFAULT 0,
    published_units INTEGER NOT NULL DEFAULT 0,
    recorded_units TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))
);

-- Index for fetching children of a parent
CREATE INDEX IF NOT EXISTS idx_%s_parent
    ON %s (parent_job_id, created_at);

-- Index for paginated listing by kind
CREATE INDEX IF NOT EXISTS idx_%s_type_created
    ON %s (job_type, created_at DESC);

-- Index for status filters
CREATE INDEX IF NOT EXISTS idx_%s_status
    ON %s (status);
`,
		time.Now().Format(time.RFC3339),
		t, t,
		t, t,
		t, t,
		t, t,
	)
}
