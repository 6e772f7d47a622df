// Package migrations generates the job store schema for PostgreSQL,
// MySQL/MariaDB and SQLite. The PostgreSQL schema is the one the
// store/postgres package runs against; the other dialects hold the same
// columns for external reporting and tooling.
package migrations
