package sanitizer

import (
	"regexp"
	"strings"

	"github.com/getpup/migration-orchestrator"
)

type segmentKind int

const (
	segmentCode segmentKind = iota
	segmentQuoted
	segmentLineComment
	segmentBlockComment
)

type segment struct {
	kind segmentKind
	text string
}

var dollarTagRegex = regexp.MustCompile(`^\$([A-Za-z_][A-Za-z0-9_]*)?\$`)

// lexer cuts SQL text into segments for one source dialect.
type lexer struct {
	// dollarQuotes enables PostgreSQL $tag$ bodies.
	dollarQuotes bool
}

// lexerFor returns the lexer of a dialect. Dollar quoting is PostgreSQL syntax;
// it stays on for unknown dialects, where converted PostgreSQL text is sanitized.
func lexerFor(dialect orchestrator.DatabaseType) lexer {
	return lexer{dollarQuotes: dialect == "" || dialect == orchestrator.DatabasePostgres}
}

// lex cuts SQL text into code, quoted and comment segments.
// Quoted covers 'strings' with doubled-quote escapes, "identifiers",
// `backtick identifiers` and, when enabled, $tag$ dollar-quoted bodies.
// A "$" inside an identifier such as SYS$USERS never opens a tag.
// Unterminated quotes and comments run to the end of the input.
func (l lexer) lex(s string) []segment {
	var segments []segment
	start := 0
	flush := func(end int) {
		if end > start {
			segments = append(segments, segment{kind: segmentCode, text: s[start:end]})
		}
	}
	emit := func(kind segmentKind, from, to int) {
		segments = append(segments, segment{kind: kind, text: s[from:to]})
		start = to
	}

	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			flush(i)
			end := len(s)
			if j := strings.IndexByte(s[i:], '\n'); j >= 0 {
				end = i + j
			}
			emit(segmentLineComment, i, end)
			i = end
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			flush(i)
			end := len(s)
			if j := strings.Index(s[i+2:], "*/"); j >= 0 {
				end = i + 2 + j + 2
			}
			emit(segmentBlockComment, i, end)
			i = end
		case c == '\'' || c == '"' || c == '`':
			flush(i)
			end := closeQuote(s, i, c)
			emit(segmentQuoted, i, end)
			i = end
		case c == '$':
			if !l.dollarQuotes || (i > 0 && isIdentByte(s[i-1])) {
				i++
				continue
			}
			tag := dollarTagRegex.FindString(s[i:])
			if tag == "" {
				i++
				continue
			}
			flush(i)
			end := len(s)
			if j := strings.Index(s[i+len(tag):], tag); j >= 0 {
				end = i + len(tag) + j + len(tag)
			}
			emit(segmentQuoted, i, end)
			i = end
		default:
			i++
		}
	}
	flush(len(s))
	return segments
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c == '#' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func closeQuote(s string, open int, q byte) int {
	j := open + 1
	for j < len(s) {
		if s[j] == q {
			if j+1 < len(s) && s[j+1] == q {
				j += 2
				continue
			}
			return j + 1
		}
		j++
	}
	return len(s)
}

// stripComments removes line and block comments outside quoted text.
// A block comment is replaced by a single space so adjacent tokens stay apart.
func (l lexer) stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, seg := range l.lex(s) {
		switch seg.kind {
		case segmentLineComment:
		case segmentBlockComment:
			b.WriteByte(' ')
		default:
			b.WriteString(seg.text)
		}
	}
	return b.String()
}

// splitStatements splits s after every semicolon outside quoted text and comments.
// Each statement keeps its terminating semicolon; empty statements are dropped.
func (l lexer) splitStatements(s string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	emit := func() {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt != "" && stmt != ";" {
			statements = append(statements, stmt)
		}
	}

	for _, seg := range l.lex(s) {
		if seg.kind != segmentCode {
			current.WriteString(seg.text)
			continue
		}
		text := seg.text
		for {
			j := strings.IndexByte(text, ';')
			if j < 0 {
				current.WriteString(text)
				break
			}
			current.WriteString(text[:j+1])
			emit()
			text = text[j+1:]
		}
	}
	emit()
	return statements
}

// hasStatementTerminator reports whether s has a semicolon outside quoted text and comments.
func (l lexer) hasStatementTerminator(s string) bool {
	for _, seg := range l.lex(s) {
		if seg.kind == segmentCode && strings.IndexByte(seg.text, ';') >= 0 {
			return true
		}
	}
	return false
}
