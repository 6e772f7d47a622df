package ollama

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/stage"
)

// dialect describes a source engine for the conversion prompt.
type dialect struct {
	Name  string
	Notes []string
}

var dialects = map[orchestrator.DatabaseType]dialect{
	orchestrator.DatabaseOracle: {
		Name: "Oracle SQL and PL/SQL",
		Notes: []string{
			"Replace NVL, SYSDATE, TO_DATE and other Oracle built-ins with their PostgreSQL equivalents.",
			"Rewrite CREATE OR REPLACE PROCEDURE/FUNCTION as CREATE OR REPLACE FUNCTION ... LANGUAGE plpgsql AS $$ ... $$.",
			"Map VARCHAR2 to VARCHAR and NUMBER to NUMERIC or INTEGER.",
		},
	},
	orchestrator.DatabaseMySQL: {
		Name: "MySQL",
		Notes: []string{
			"Replace AUTO_INCREMENT with SERIAL or BIGSERIAL columns.",
			"Map DATETIME to TIMESTAMP, TINYINT to SMALLINT and DOUBLE to DOUBLE PRECISION.",
			"Replace IFNULL with COALESCE and NOW() with CURRENT_TIMESTAMP.",
			"Drop backtick quoting; use double quotes only where required.",
			"Drop DELIMITER lines and rewrite procedure bodies as PL/pgSQL.",
		},
	},
	orchestrator.DatabaseSQLServer: {
		Name: "SQL Server T-SQL",
		Notes: []string{
			"Replace IDENTITY columns with SERIAL or BIGSERIAL columns.",
			"Map DATETIME2 to TIMESTAMP, BIT to BOOLEAN and MONEY to NUMERIC.",
			"Replace GETDATE() and ISNULL with CURRENT_TIMESTAMP and COALESCE.",
			"Drop [bracket] quoting; use double quotes only where required.",
			"Rewrite procedures as PL/pgSQL functions and replace @@ variables.",
		},
	},
	orchestrator.DatabaseTeradata: {
		Name: "Teradata SQL",
		Notes: []string{
			"SET tables have no PostgreSQL equivalent; use a unique index instead.",
			"Map BYTEINT to SMALLINT and DECIMAL to NUMERIC.",
			"Replace INDEX and SUBSTR with STRPOS and SUBSTRING.",
			"Replace BT/ET with BEGIN/COMMIT.",
			"Rewrite macros as PostgreSQL functions.",
		},
	},
	orchestrator.DatabaseDB2: {
		Name: "IBM DB2 SQL PL",
		Notes: []string{
			"Replace GENERATED BY DEFAULT AS IDENTITY with SERIAL or BIGSERIAL columns.",
			"Replace special registers such as CURRENT DATE with CURRENT_DATE.",
			"Rewrite SQL PL procedures as PL/pgSQL functions, keeping variable declarations in the DECLARE section.",
		},
	},
}

var promptTemplate = template.Must(template.New("prompt").Parse(`You are an expert in {{.Dialect.Name}} and PostgreSQL.
Convert the {{.Dialect.Name}} below into equivalent, idiomatic PostgreSQL.
Respond with the PostgreSQL code only: no explanations, no markdown and no comments.
{{range .Dialect.Notes}}
- {{.}}{{end}}
{{if .Correction}}
{{.Correction}}
{{else}}
{{.Dialect.Name}} to convert:
{{.SQL}}
{{end}}
PostgreSQL:
`))

type promptData struct {
	Dialect    dialect
	SQL        string
	Correction string
}

// Prompt renders the generation prompt for in. A corrective input carries
// the rejected output and the database error instead of the source SQL.
func Prompt(in stage.ConversionInput) (string, error) {
	target := in.TargetDBType
	if target == "" {
		target = orchestrator.DatabasePostgres
	}
	d, ok := dialects[in.SourceDBType]
	if !ok || target != orchestrator.DatabasePostgres {
		return "", orchestrator.Terminal(fmt.Errorf("conversion from %q to %q is not supported", in.SourceDBType, target))
	}

	data := promptData{Dialect: d, SQL: in.SQL}
	if in.IsCorrection() {
		data.Correction = fmt.Sprintf(stage.CorrectionPrompt, in.PreviousError, in.PreviousAttempt)
	}

	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return b.String(), nil
}
