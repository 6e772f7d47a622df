// Package sanitizer partitions raw SQL scripts into independently executable statements.
//
// Scripts are first cut on block-terminator lines, which isolates procedural blocks
// whose bodies contain semicolons. Compound blocks (procedures, functions, packages,
// triggers, anonymous blocks) are kept whole; every other block is split on
// semicolons outside quotes and comments.
package sanitizer

import (
	"strings"
	"unicode"

	"github.com/getpup/migration-orchestrator"
)

// BlockStarters mark compound blocks that are kept as a single statement.
var BlockStarters = []string{
	"CREATE OR REPLACE",
	"BEGIN",
	"DECLARE",
	"CREATE PACKAGE",
	"CREATE FUNCTION",
	"CREATE PROCEDURE",
	"CREATE TRIGGER",
}

// SplittableCommands are simple commands that are always split on semicolons.
// A block matching both lists is treated as splittable so no simple statement is lost.
var SplittableCommands = []string{
	"GRANT",
	"SET",
	"DROP TABLE",
	"DROP FUNCTION",
	"DROP PROCEDURE",
	"INSERT",
	"CREATE TABLE",
	"ALTER TABLE",
	"CREATE INDEX",
	"DROP INDEX",
	"CREATE SEQUENCE",
	"DROP SEQUENCE",
	"CREATE USER",
	"ALTER SESSION",
}

// JoinDelimiter separates statements in Join output. Each statement becomes its
// own block when the joined text is sanitized again. JoinFor picks the
// terminator of a source dialect.
const JoinDelimiter = "\n/\n"

// Sanitize splits text using the Oracle block-terminator convention.
// It is pure and deterministic: Sanitize(Join(Sanitize(x))) equals Sanitize(x),
// and likewise SanitizeFor(JoinFor(SanitizeFor(x, d), d), d) equals SanitizeFor(x, d).
func Sanitize(text string) []string {
	return SanitizeFor(text, "")
}

// SanitizeFor splits text using the block-terminator convention of the given
// source dialect: "/" for Oracle, Teradata and unknown dialects, "GO" for SQL
// Server, "@" for DB2 and DELIMITER switches for MySQL.
func SanitizeFor(text string, dialect orchestrator.DatabaseType) []string {
	lx := lexerFor(dialect)
	statements := []string{}
	for _, block := range splitBlocks(text, dialect) {
		cleaned := strings.TrimSpace(lx.stripComments(block))
		if cleaned == "" {
			continue
		}

		if IsCompoundBlock(cleaned) {
			statements = append(statements, cleaned)
			continue
		}

		if !lx.hasStatementTerminator(cleaned) {
			statements = append(statements, cleaned)
			continue
		}
		statements = append(statements, lx.splitStatements(cleaned)...)
	}
	return statements
}

// IsCompoundBlock reports whether block starts with a block starter and not
// with a splittable command.
func IsCompoundBlock(block string) bool {
	head := leadingWords(block, 4)
	return hasAnyPrefix(head, BlockStarters) && !hasAnyPrefix(head, SplittableCommands)
}

// Join concatenates statements with JoinDelimiter.
func Join(statements []string) string {
	return JoinFor(statements, "")
}

// leadingWords returns up to n leading words of s, upper-cased and separated by single spaces.
func leadingWords(s string, n int) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '(' || r == ';'
	})
	if len(words) > n {
		words = words[:n]
	}
	return strings.ToUpper(strings.Join(words, " "))
}

func hasAnyPrefix(head string, keywords []string) bool {
	for _, kw := range keywords {
		if head == kw || strings.HasPrefix(head, kw+" ") {
			return true
		}
	}
	return false
}
