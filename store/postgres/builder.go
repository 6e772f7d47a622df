package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/store"
)

// statement accumulates column assignments and positional arguments for one
// parameterized statement. Column names come from the store.Column whitelist,
// never from caller text.
type statement struct {
	columns []string
	values  []string
	args    []any
}

// arg appends v and returns its placeholder.
func (s *statement) arg(v any) string {
	s.args = append(s.args, v)
	return fmt.Sprintf("$%d", len(s.args))
}

func (s *statement) add(column string, v any) {
	s.columns = append(s.columns, column)
	s.values = append(s.values, s.arg(v))
}

func (s *statement) addField(f store.Field) error {
	v, err := columnValue(f.Value)
	if err != nil {
		return err
	}
	s.add(string(f.Column), v)
	return nil
}

// columnValue converts a typed update value to a database/sql argument.
func columnValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case orchestrator.Status:
		return string(val), nil
	case []orchestrator.StatementResult:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to encode statement results: %w", err)
		}
		return b, nil
	default:
		return val, nil
	}
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// buildInsert renders an INSERT of the job's supplied columns.
func buildInsert(table, id string, nj store.NewJob, status orchestrator.Status) (string, []any) {
	var st statement
	st.add("job_id", id)
	st.add("job_type", string(nj.Kind))
	st.add("status", string(status))
	if nj.ParentID != "" {
		st.add("parent_job_id", nj.ParentID)
	}
	for _, stage := range orchestrator.Stages {
		if s := nj.Stages.Get(stage); s != "" {
			st.add(string(store.StageColumn(stage)), string(s))
		}
	}
	optional := []struct {
		column string
		value  any
	}{
		{"object_type", nullableString(string(nj.ObjectType))},
		{"object_name", nullableString(nj.ObjectName)},
		{"source_schema", nullableString(nj.SourceSchema)},
		{"target_schema", nullableString(nj.TargetSchema)},
		{"source_db_type", nullableString(string(nj.SourceDBType))},
		{"target_db_type", nullableString(string(nj.TargetDBType))},
		{"source_connection", nullableJSON(nj.SourceConnection)},
		{"target_connection", nullableJSON(nj.TargetConnection)},
		{"original_sql", nullableString(nj.OriginalText)},
		{"filename", nullableString(nj.Filename)},
	}
	for _, o := range optional {
		if o.value != nil {
			st.add(o.column, o.value)
		}
	}
	if nj.DataMigrationEnabled {
		st.add("data_migration_enabled", true)
	}
	if nj.TotalUnits > 0 {
		st.add("total_units", nj.TotalUnits)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING created_at, updated_at`,
		table, strings.Join(st.columns, ", "), strings.Join(st.values, ", "))
	return query, st.args
}

// buildUpdate renders an UPDATE of the supplied fields. When status is set the
// statement only matches a row that is not terminal or already has that status,
// so a terminal job is never reopened by a racing update.
func buildUpdate(table, id string, status orchestrator.Status, fields []store.Field) (string, []any, error) {
	var st statement
	idArg := st.arg(id)

	sets := []string{"updated_at = NOW()"}
	var guard string
	if status != "" {
		p := st.arg(string(status))
		sets = append(sets, "status = "+p)
		guard = fmt.Sprintf(" AND (status NOT IN (%s) OR status = %s)", terminalList, p)
	}
	for _, f := range fields {
		if err := st.addField(f); err != nil {
			return "", nil, err
		}
	}
	for i, column := range st.columns {
		sets = append(sets, column+" = "+st.values[i])
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE job_id = %s%s`, table, strings.Join(sets, ", "), idArg, guard)
	return query, st.args, nil
}

var terminalList = func() string {
	quoted := []string{}
	for _, s := range []orchestrator.Status{orchestrator.StatusVerified, orchestrator.StatusCompleted, orchestrator.StatusFailed} {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return strings.Join(quoted, ", ")
}()
