package migrations

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readGenerated(t *testing.T, config Config) string {
	t.Helper()

	content, err := os.ReadFile(filepath.Join(config.OutputFolder, config.OutputFilename))
	if err != nil {
		t.Fatalf("Failed to read generated file: %v", err)
	}
	return string(content)
}

// commonColumns are present in every dialect.
var commonColumns = []string{
	"job_id",
	"parent_job_id",
	"job_type",
	"extraction_status",
	"conversion_status",
	"execution_status",
	"data_migration_status",
	"object_type",
	"object_name",
	"source_connection",
	"target_connection",
	"data_migration_enabled",
	"original_sql",
	"converted_sql",
	"error_message",
	"filename",
	"statement_results",
	"total_units",
	"succeeded_units",
	"failed_units",
	"published_units",
	"recorded_units",
	"created_at",
	"updated_at",
}

func TestGeneratePostgres(t *testing.T) {
	tmpDir := t.TempDir()

	config := Config{
		OutputFolder:   tmpDir,
		OutputFilename: "test_migration.sql",
		SchemaName:     "migration",
		JobsTable:      "jobs",
	}

	if err := GeneratePostgres(&config); err != nil {
		t.Fatalf("GeneratePostgres failed: %v", err)
	}

	sql := readGenerated(t, config)

	required := []string{
		"CREATE SCHEMA IF NOT EXISTS migration",
		"CREATE TABLE IF NOT EXISTS migration.jobs",
		"job_id UUID PRIMARY KEY",
		"parent_job_id UUID REFERENCES migration.jobs(job_id)",
		"status TEXT NOT NULL DEFAULT 'pending'",
		"source_connection JSONB",
		"statement_results JSONB",
		"data_migration_enabled BOOLEAN NOT NULL DEFAULT FALSE",
		"created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
		"idx_jobs_parent",
		"idx_jobs_type_created",
		"idx_jobs_status",
	}
	for _, s := range required {
		if !strings.Contains(sql, s) {
			t.Errorf("Generated SQL missing required string: %s", s)
		}
	}
	for _, column := range commonColumns {
		if !strings.Contains(sql, column) {
			t.Errorf("Generated SQL missing column: %s", column)
		}
	}
}

func TestGeneratePostgres_CustomNames(t *testing.T) {
	tmpDir := t.TempDir()

	config := Config{
		OutputFolder:   tmpDir,
		OutputFilename: "custom_migration.sql",
		SchemaName:     "custom",
		JobsTable:      "custom_jobs",
	}

	if err := GeneratePostgres(&config); err != nil {
		t.Fatalf("GeneratePostgres failed: %v", err)
	}

	sql := readGenerated(t, config)

	if !strings.Contains(sql, "CREATE SCHEMA IF NOT EXISTS custom") {
		t.Error("Missing custom schema creation")
	}
	if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS custom.custom_jobs") {
		t.Error("Missing custom jobs table")
	}
}

func TestGenerateMySQL(t *testing.T) {
	tmpDir := t.TempDir()

	config := Config{
		OutputFolder:   tmpDir,
		OutputFilename: "test_migration.sql",
		SchemaName:     "migration",
		JobsTable:      "jobs",
	}

	if err := GenerateMySQL(&config); err != nil {
		t.Fatalf("GenerateMySQL failed: %v", err)
	}

	sql := readGenerated(t, config)

	required := []string{
		"CREATE DATABASE IF NOT EXISTS migration",
		"USE migration;",
		"CREATE TABLE IF NOT EXISTS jobs",
		"job_id CHAR(36) PRIMARY KEY",
		"parent_job_id CHAR(36) NULL",
		"source_connection JSON NULL",
		"original_sql LONGTEXT NULL",
		"updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)",
		"CONSTRAINT fk_jobs_parent FOREIGN KEY (parent_job_id) REFERENCES jobs (job_id)",
		"INDEX idx_jobs_parent (parent_job_id, created_at)",
		"INDEX idx_jobs_type_created (job_type, created_at DESC)",
		"INDEX idx_jobs_status (status)",
		"ENGINE=InnoDB",
	}
	for _, s := range required {
		if !strings.Contains(sql, s) {
			t.Errorf("Generated SQL missing required string: %s", s)
		}
	}
	for _, column := range commonColumns {
		if !strings.Contains(sql, column) {
			t.Errorf("Generated SQL missing column: %s", column)
		}
	}
}

func TestGenerateSQLite(t *testing.T) {
	tmpDir := t.TempDir()

	config := Config{
		OutputFolder:   tmpDir,
		OutputFilename: "test_migration.sql",
		SchemaName:     "migration",
		JobsTable:      "jobs",
	}

	if err := GenerateSQLite(&config); err != nil {
		t.Fatalf("GenerateSQLite failed: %v", err)
	}

	sql := readGenerated(t, config)

	required := []string{
		"CREATE TABLE IF NOT EXISTS migration_jobs",
		"job_id TEXT PRIMARY KEY",
		"parent_job_id TEXT REFERENCES migration_jobs (job_id)",
		"CHECK (data_migration_enabled IN (0, 1))",
		"strftime('%Y-%m-%dT%H:%M:%fZ', 'now')",
		"idx_migration_jobs_parent",
		"idx_migration_jobs_type_created",
		"idx_migration_jobs_status",
	}
	for _, s := range required {
		if !strings.Contains(sql, s) {
			t.Errorf("Generated SQL missing required string: %s", s)
		}
	}
	if strings.Contains(sql, "CREATE SCHEMA") {
		t.Error("SQLite migration must not create a schema")
	}
	for _, column := range commonColumns {
		if !strings.Contains(sql, column) {
			t.Errorf("Generated SQL missing column: %s", column)
		}
	}
}

func TestQualifiedTable(t *testing.T) {
	config := Config{SchemaName: "migration", JobsTable: "jobs"}

	tests := map[string]string{
		"postgres": "migration.jobs",
		"mysql":    "migration.jobs",
		"sqlite":   "migration_jobs",
	}
	for adapter, want := range tests {
		if got := config.QualifiedTable(adapter); got != want {
			t.Errorf("QualifiedTable(%q) = %q, want %q", adapter, got, want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.OutputFolder != "migrations" {
		t.Errorf("Expected OutputFolder 'migrations', got '%s'", config.OutputFolder)
	}
	if config.SchemaName != "migration" {
		t.Errorf("Expected SchemaName 'migration', got '%s'", config.SchemaName)
	}
	if config.JobsTable != "jobs" {
		t.Errorf("Expected JobsTable 'jobs', got '%s'", config.JobsTable)
	}
	if !strings.HasSuffix(config.OutputFilename, "_init_migration_jobs.sql") {
		t.Errorf("Expected OutputFilename to end with '_init_migration_jobs.sql', got '%s'", config.OutputFilename)
	}
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "jobs", false},
		{"valid with underscore", "migration_jobs", false},
		{"valid with numbers", "jobs2", false},
		{"empty", "", true},
		{"starts with number", "1jobs", true},
		{"starts with underscore", "_jobs", true},
		{"contains space", "migration jobs", true},
		{"contains dash", "migration-jobs", true},
		{"contains semicolon", "jobs;DROP TABLE users", true},
		{"contains quote", "jobs'", true},
		{"contains dot", "migration.jobs", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIdentifier(tt.input, "test")
			if (err != nil) != tt.wantErr {
				t.Errorf("validateIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestGenerate_InvalidConfig(t *testing.T) {
	generators := map[string]func(*Config) error{
		"postgres": GeneratePostgres,
		"mysql":    GenerateMySQL,
		"sqlite":   GenerateSQLite,
	}

	for name, generate := range generators {
		t.Run(name, func(t *testing.T) {
			tmpDir := t.TempDir()

			config := Config{
				OutputFolder:   tmpDir,
				OutputFilename: "test.sql",
				SchemaName:     "migration",
				JobsTable:      "jobs; DROP TABLE users--",
			}

			err := generate(&config)
			if err == nil {
				t.Fatal("Expected error for invalid table name")
			}
			if !strings.Contains(err.Error(), "invalid configuration") {
				t.Errorf("Expected 'invalid configuration' error, got: %v", err)
			}
			if _, statErr := os.Stat(filepath.Join(tmpDir, config.OutputFilename)); !os.IsNotExist(statErr) {
				t.Error("No file should be written for an invalid configuration")
			}
		})
	}
}
