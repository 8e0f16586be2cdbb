package table

import (
	"strings"

	"azure-utilities/internal/differential"
)

// Longest operators first so ">=" is not read as ">".
var operatorRewrites = strings.NewReplacer(
	">=", " ge ",
	"<=", " le ",
	"!=", " ne ",
	"=", " eq ",
	">", " gt ",
	"<", " lt ",
)

// RenderClause rewrites one SQL-style comparison to OData. Quoted literals
// are copied verbatim.
func RenderClause(clause string) string {
	// Even segments are outside quotes; '' escapes land as empty odd segments.
	segments := strings.Split(clause, "'")
	last := len(segments) - 1
	for i := 0; i <= last; i += 2 {
		segments[i] = squeeze(operatorRewrites.Replace(segments[i]), i > 0, i < last)
	}
	return strings.TrimSpace(strings.Join(segments, "'"))
}

// squeeze collapses whitespace runs to one space, keeping a single space at
// an edge that borders a literal.
func squeeze(s string, keepLeft, keepRight bool) string {
	if s == "" {
		return s
	}
	out := strings.Join(strings.Fields(s), " ")
	if out == "" {
		if keepLeft || keepRight {
			return " "
		}
		return ""
	}
	if keepLeft && isSpace(s[0]) {
		out = " " + out
	}
	if keepRight && isSpace(s[len(s)-1]) {
		out += " "
	}
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// RenderWhere rewrites every clause and joins them with "and".
func RenderWhere(clauses []string) string {
	parts := make([]string, 0, len(clauses))
	for _, clause := range clauses {
		if strings.TrimSpace(clause) == "" {
			continue
		}
		parts = append(parts, RenderClause(clause))
	}
	return strings.Join(parts, " and ")
}

func renderSelect(cols []string) string {
	if len(cols) == 0 || (len(cols) == 1 && strings.TrimSpace(cols[0]) == "*") {
		return ""
	}
	trimmed := make([]string, 0, len(cols))
	for _, c := range cols {
		if c = strings.TrimSpace(c); c != "" {
			trimmed = append(trimmed, c)
		}
	}
	return strings.Join(trimmed, ",")
}

// CursorFilter renders "column gt <cursor>" with an OData literal.
func CursorFilter(column string, after differential.Cursor) string {
	return column + " gt " + literal(after)
}

func literal(c differential.Cursor) string {
	switch c.Kind {
	case differential.KindTime:
		return "datetime'" + c.Time.UTC().Format("2006-01-02T15:04:05.000") + "Z'"
	case differential.KindNumber:
		return c.Number.String()
	default:
		return "'" + strings.ReplaceAll(c.Text, "'", "''") + "'"
	}
}
