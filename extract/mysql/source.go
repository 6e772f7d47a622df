// Package mysql extracts object DDL and table rows from MySQL source databases.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/internal/conninfo"
	"github.com/getpup/pupsourcing/es"
	"github.com/go-sql-driver/mysql"
)

// ErrUnsupportedObjectType indicates MySQL has no DDL for the object type.
var ErrUnsupportedObjectType = errors.New("unsupported object type for MySQL")

// Config configures a Source.
type Config struct {
	// MaxOpenConns caps each source connection pool (default: 4).
	MaxOpenConns int

	// Logger is optional.
	Logger es.Logger
}

// Source reads DDL and rows from MySQL databases.
// It implements stage.Extractor and stage.RowSource.
type Source struct {
	config Config

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// New creates a Source.
func New(config Config) *Source {
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 4
	}
	return &Source{
		config: config,
		dbs:    make(map[string]*sql.DB),
	}
}

// showCreate describes how a SHOW CREATE statement returns the DDL of one object type.
type showCreate struct {
	keyword string
	column  int
	program bool
}

var showCreates = map[orchestrator.ObjectType]showCreate{
	orchestrator.ObjectTable:     {keyword: "TABLE", column: 1},
	orchestrator.ObjectView:      {keyword: "VIEW", column: 1},
	orchestrator.ObjectProcedure: {keyword: "PROCEDURE", column: 2, program: true},
	orchestrator.ObjectFunction:  {keyword: "FUNCTION", column: 2, program: true},
	orchestrator.ObjectTrigger:   {keyword: "TRIGGER", column: 2, program: true},
}

// ExtractDDL returns the CREATE statement of one object. Stored programs are
// wrapped in DELIMITER lines so the statement splitter keeps them whole.
func (s *Source) ExtractDDL(ctx context.Context, conn orchestrator.ConnectionRef, schema string, objectType orchestrator.ObjectType, name string) (string, error) {
	show, ok := showCreates[objectType]
	if !ok {
		return "", orchestrator.Terminal(fmt.Errorf("%w: %s", ErrUnsupportedObjectType, objectType))
	}

	db, err := s.open(conn)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf("SHOW CREATE %s %s", show.keyword, qualify(schema, name))
	ddl, err := scanColumn(ctx, db, query, show.column)
	if err != nil {
		return "", classify(err)
	}
	if ddl == "" {
		return "", orchestrator.Terminal(fmt.Errorf("%s %s not found", objectType, qualify(schema, name)))
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "extracted MySQL DDL", "objectType", objectType, "object", name, "bytes", len(ddl))
	}
	return FormatDDL(ddl, show.program), nil
}

// definer matches the DEFINER clause MySQL adds to views and stored programs.
var definer = regexp.MustCompile(`(?i)^CREATE\s+(ALGORITHM\s*=\s*\w+\s+)?DEFINER\s*=\s*\S+\s+(SQL\s+SECURITY\s+\w+\s+)?`)

// FormatDDL drops the DEFINER clause, terminates a plain statement with a
// semicolon and wraps a stored program in DELIMITER $$ lines.
func FormatDDL(ddl string, program bool) string {
	ddl = definer.ReplaceAllString(strings.TrimSpace(ddl), "CREATE ")
	if program {
		return "DELIMITER $$\n" + ddl + " $$\nDELIMITER ;"
	}
	if !strings.HasSuffix(ddl, ";") {
		ddl += ";"
	}
	return ddl
}

// FetchRows reads every row of a table. Text and binary values are returned
// as strings and timestamps in RFC 3339 so rows survive JSON encoding.
func (s *Source) FetchRows(ctx context.Context, conn orchestrator.ConnectionRef, schema, table string) ([]string, [][]any, error) {
	db, err := s.open(conn)
	if err != nil {
		return nil, nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT * FROM "+qualify(schema, table))
	if err != nil {
		return nil, nil, classify(fmt.Errorf("failed to read %s: %w", qualify(schema, table), err))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	out := [][]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			values[i] = jsonValue(v)
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", qualify(schema, table), err)
	}
	return columns, out, nil
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// Close closes every source pool.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, db := range s.dbs {
		errs = append(errs, db.Close())
		delete(s.dbs, key)
	}
	return errors.Join(errs...)
}

func (s *Source) open(conn orchestrator.ConnectionRef) (*sql.DB, error) {
	params, err := conninfo.Parse(conn)
	if err != nil {
		return nil, orchestrator.Terminal(err)
	}
	dsn := DSN(params)
	key := params.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[key]; ok {
		return db, nil
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, orchestrator.Terminal(fmt.Errorf("invalid MySQL connection: %w", err))
	}
	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	s.dbs[key] = db
	return db, nil
}

// DSN builds a go-sql-driver DSN from connection parameters.
func DSN(p conninfo.Params) string {
	if p.URL != "" {
		return p.URL
	}
	cfg := mysql.NewConfig()
	cfg.User = p.User
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = p.Address(3306)
	cfg.DBName = p.DatabaseName()
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

func scanColumn(ctx context.Context, db *sql.DB, query string, column int) (string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}
	if column >= len(columns) {
		return "", fmt.Errorf("unexpected result of %q: %d columns", query, len(columns))
	}
	if !rows.Next() {
		return "", rows.Err()
	}

	values := make([]sql.NullString, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return "", err
	}
	return values[column].String, nil
}

// classify marks errors reported by the MySQL server as terminal.
func classify(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return orchestrator.Terminal(err)
	}
	return err
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func qualify(schema, name string) string {
	if schema == "" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}
