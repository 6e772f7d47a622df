//go:build integration

// Package integration_test runs a migration request through a real broker and
// job store. It needs DATABASE_URL and AMQP_URL and skips without them.
package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/getpup/migration-orchestrator/broker"
	pgstore "github.com/getpup/migration-orchestrator/store/postgres"
	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

const jobsTable = "e2e_migration_jobs"

// getTestDB returns a database connection for integration tests.
// It reads the DATABASE_URL environment variable and skips the test if not set.
func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// setupStore recreates the jobs table and returns a store over it.
func setupStore(t *testing.T, db *sql.DB) *pgstore.Store {
	t.Helper()

	config := pgstore.TableConfig{JobsTable: jobsTable}
	_, err := db.Exec(pgstore.MigrationDown(config))
	require.NoError(t, err)
	_, err = db.Exec(pgstore.MigrationUp(config))
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.Exec(pgstore.MigrationDown(config))
	})
	return pgstore.NewWithConfig(db, config)
}

// getTestBroker dials AMQP_URL, declares the topology and empties its queues.
func getTestBroker(t *testing.T, topology *broker.Topology) *amqp.Connection {
	t.Helper()

	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set, skipping integration test")
	}

	conn, err := broker.Dial(context.Background(), url, broker.DialConfig{Attempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer func() {
		_ = ch.Close()
	}()

	require.NoError(t, broker.Declare(ch, topology.Queues()))
	for _, q := range topology.Queues() {
		_, err := ch.QueuePurge(q.Name, false)
		require.NoError(t, err)
		_, err = ch.QueuePurge(q.DeadLetterQueue(), false)
		require.NoError(t, err)
	}
	return conn
}
