// Command migrate-gen generates SQL migration files for the migration job store.
//
// Usage:
//
//	go run github.com/getpup/migration-orchestrator/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/migration-orchestrator/cmd/migrate-gen -output migrations
//
// Generate migrations for different database adapters:
//
//	go run github.com/getpup/migration-orchestrator/cmd/migrate-gen -adapter postgres -output migrations
//	go run github.com/getpup/migration-orchestrator/cmd/migrate-gen -adapter mysql -output migrations
//	go run github.com/getpup/migration-orchestrator/cmd/migrate-gen -adapter sqlite -output migrations
//
// Customize names:
//
//	go run github.com/getpup/migration-orchestrator/cmd/migrate-gen -schema conversion -jobs-table jobs
//
// Point the worker and API processes at the generated table with
// JOBS_TABLE=<schema>.<jobs-table>.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/getpup/migration-orchestrator/pkg/migrations"
)

func main() {
	defaults := migrations.DefaultConfig()

	var (
		adapter        = flag.String("adapter", "postgres", "Database adapter: postgres, mysql, or sqlite")
		outputFolder   = flag.String("output", defaults.OutputFolder, "Output folder for migration file")
		outputFilename = flag.String("filename", "", "Output filename (default: timestamp-based)")
		schemaName     = flag.String("schema", defaults.SchemaName, "Schema name (PostgreSQL) or database name (MySQL)")
		jobsTable      = flag.String("jobs-table", defaults.JobsTable, "Name of jobs table")
	)

	flag.Parse()

	config := defaults
	config.OutputFolder = *outputFolder
	config.SchemaName = *schemaName
	config.JobsTable = *jobsTable

	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	var err error
	switch *adapter {
	case "postgres":
		err = migrations.GeneratePostgres(&config)
	case "mysql":
		err = migrations.GenerateMySQL(&config)
	case "sqlite":
		err = migrations.GenerateSQLite(&config)
	default:
		fmt.Fprintf(os.Stderr, "Error: unsupported adapter '%s'. Supported adapters are: postgres, mysql, sqlite\n", *adapter)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s migration: %s/%s (table %s)\n", *adapter, config.OutputFolder, config.OutputFilename, config.QualifiedTable(*adapter))
}
