package sanitizer

import (
	"regexp"
	"strings"

	"github.com/getpup/migration-orchestrator"
)

var (
	// A line holding only "/" ends a PL/SQL block (Oracle, Teradata BTEQ scripts).
	slashTerminator = regexp.MustCompile(`(?m)^[ \t]*/[ \t]*\r?$`)

	// A line holding only "GO" ends a T-SQL batch.
	goTerminator = regexp.MustCompile(`(?mi)^[ \t]*GO[ \t]*\r?$`)

	// A line holding only "@" ends a DB2 CLP block.
	atTerminator = regexp.MustCompile(`(?m)^[ \t]*@[ \t]*\r?$`)

	// DELIMITER lines switch the MySQL client delimiter.
	delimiterLine = regexp.MustCompile(`(?i)^[ \t]*DELIMITER[ \t]+(\S+)[ \t]*\r?$`)
)

// splitBlocks cuts text into blocks on the block-terminator lines of the dialect.
// Unknown dialects use the Oracle convention.
func splitBlocks(text string, dialect orchestrator.DatabaseType) []string {
	switch dialect {
	case orchestrator.DatabaseSQLServer:
		return goTerminator.Split(text, -1)
	case orchestrator.DatabaseDB2:
		return atTerminator.Split(text, -1)
	case orchestrator.DatabaseMySQL:
		return splitMySQLBlocks(text)
	default:
		return slashTerminator.Split(breakInlineTerminators(text, lexerFor(dialect)), -1)
	}
}

// splitMySQLBlocks follows DELIMITER switches. While a custom delimiter is active,
// a line ending with it closes the block and the delimiter itself is dropped.
// With the default ";" delimiter the text accumulates into one block that is
// later split on semicolons.
func splitMySQLBlocks(text string) []string {
	var (
		blocks  []string
		current strings.Builder
	)
	delimiter := ";"
	flush := func() {
		blocks = append(blocks, current.String())
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		if m := delimiterLine.FindStringSubmatch(line); m != nil {
			flush()
			delimiter = m[1]
			continue
		}
		trimmed := strings.TrimRight(line, " \t\r")
		if delimiter != ";" && strings.HasSuffix(trimmed, delimiter) {
			current.WriteString(strings.TrimSuffix(trimmed, delimiter))
			current.WriteByte('\n')
			flush()
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return blocks
}

// inlineSlash matches a "/" that closes a block on the same line as its final semicolon.
var inlineSlash = regexp.MustCompile(`;[ \t]*/[ \t]*(\r?\n|$)`)

// breakInlineTerminators moves every "; /" line ending onto a terminator line
// of its own. Quoted text and comments are left alone.
func breakInlineTerminators(text string, lx lexer) string {
	segments := lx.lex(text)
	var b strings.Builder
	b.Grow(len(text))
	for i, seg := range segments {
		if seg.kind != segmentCode {
			b.WriteString(seg.text)
			continue
		}
		// A match at the end of a code segment only ends the line when a comment
		// or the end of the input follows.
		lineEnds := i == len(segments)-1 || segments[i+1].kind == segmentLineComment || segments[i+1].kind == segmentBlockComment
		last := 0
		for _, m := range inlineSlash.FindAllStringSubmatchIndex(seg.text, -1) {
			if m[1] == len(seg.text) && m[2] == m[3] && !lineEnds {
				continue
			}
			b.WriteString(seg.text[last:m[0]])
			b.WriteString(";\n/\n")
			last = m[1]
		}
		b.WriteString(seg.text[last:])
	}
	return b.String()
}

// JoinFor concatenates statements so that SanitizeFor with the same dialect
// returns them unchanged: each statement is closed by the dialect's block
// terminator.
func JoinFor(statements []string, dialect orchestrator.DatabaseType) string {
	switch dialect {
	case orchestrator.DatabaseSQLServer:
		return strings.Join(statements, "\nGO\n")
	case orchestrator.DatabaseDB2:
		return strings.Join(statements, "\n@\n")
	case orchestrator.DatabaseMySQL:
		if len(statements) == 0 {
			return ""
		}
		return "DELIMITER //\n" + strings.Join(statements, "\n//\n") + "\n//\nDELIMITER ;\n"
	default:
		return strings.Join(statements, JoinDelimiter)
	}
}
