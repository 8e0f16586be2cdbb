package alerting

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"azure-utilities/internal/differential"
)

const defaultSubject = "azutil threshold alert"

// SubjectOf returns the configured subject or a generated one.
func SubjectOf(note Notification) string {
	if note.Subject != "" {
		return note.Subject
	}
	if note.Source != "" {
		return fmt.Sprintf("%s: %s", defaultSubject, note.Source)
	}
	return defaultSubject
}

// RenderText builds the plain-text summary.
func RenderText(note Notification) string {
	if note.Body != "" {
		return note.Body
	}
	b := strings.Builder{}
	b.WriteString("[" + SubjectOf(note) + "]\n")
	if !note.TriggeredAt.IsZero() {
		fmt.Fprintf(&b, "Triggered: %s UTC\n", note.TriggeredAt.UTC().Format(time.RFC3339))
	}
	if note.Column != "" {
		fmt.Fprintf(&b, "Column: %s\n", note.Column)
	}
	if note.Rule != "" {
		fmt.Fprintf(&b, "Rule: %s\n", note.Rule)
	}
	fmt.Fprintf(&b, "Rows: %d\n", len(note.Rows))
	for _, v := range note.Violations {
		b.WriteString("- " + v.String() + "\n")
	}
	if len(note.Channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(note.Channels, ","))
	}
	return b.String()
}

var htmlBody = template.Must(template.New("alert").Parse(`<html><body>
<h3>{{.Subject}}</h3>
<p>{{.Summary}}</p>
{{if .Columns}}<table border="1" cellpadding="4" cellspacing="0">
<tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>{{end}}
</body></html>
`))

// RenderHTML builds an HTML body with a table of the triggering rows.
func RenderHTML(note Notification) (string, error) {
	columns := columnsOf(note.Rows)
	cells := make([][]string, len(note.Rows))
	for i, row := range note.Rows {
		cells[i] = make([]string, len(columns))
		for j, c := range columns {
			cells[i][j] = formatCell(row[c])
		}
	}

	var buf bytes.Buffer
	err := htmlBody.Execute(&buf, struct {
		Subject string
		Summary string
		Columns []string
		Rows    [][]string
	}{
		Subject: SubjectOf(note),
		Summary: strings.TrimSpace(RenderText(note)),
		Columns: columns,
		Rows:    cells,
	})
	if err != nil {
		return "", fmt.Errorf("render alert html: %w", err)
	}
	return buf.String(), nil
}

func columnsOf(rows []differential.Row) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, row := range rows {
		for k := range row {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
