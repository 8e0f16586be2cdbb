// Package cleanup generates, deploys and serves the scheduled resource-group
// cleanup function.
package cleanup

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("cleanup").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).ParseFS(templateFS, "templates/*.tmpl"))

const (
	DefaultTrigger    = "mytimer"
	DefaultSchedule   = "0 30 19 * * *"
	DefaultExecutable = "azutil"
)

var triggerPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Params parameterise the generated function app.
type Params struct {
	TriggerName string
	// Schedule is a six-field NCRONTAB expression.
	Schedule   string
	Executable string
	// BinaryPath, when set, is copied into the output as Executable.
	BinaryPath string
}

func (p Params) withDefaults() Params {
	if p.TriggerName == "" {
		p.TriggerName = DefaultTrigger
	}
	if p.Schedule == "" {
		p.Schedule = DefaultSchedule
	}
	if p.Executable == "" {
		p.Executable = DefaultExecutable
	}
	return p
}

// Validate checks the trigger name and schedule shape.
func (p Params) Validate() error {
	p = p.withDefaults()
	if !triggerPattern.MatchString(p.TriggerName) {
		return fmt.Errorf("invalid trigger name %q", p.TriggerName)
	}
	if n := len(strings.Fields(p.Schedule)); n != 6 {
		return fmt.Errorf("schedule %q must have six fields, got %d", p.Schedule, n)
	}
	if strings.ContainsAny(p.Executable, `/\`) {
		return fmt.Errorf("executable %q must be a bare file name", p.Executable)
	}
	return nil
}

// Generate renders host.json and <trigger>/function.json into dir and returns
// the written paths.
func Generate(dir string, p Params) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.withDefaults()

	files := []struct {
		tmpl string
		path string
	}{
		{"host.json.tmpl", filepath.Join(dir, "host.json")},
		{"function.json.tmpl", filepath.Join(dir, p.TriggerName, "function.json")},
	}
	written := make([]string, 0, len(files)+1)
	for _, f := range files {
		var buf bytes.Buffer
		if err := templates.ExecuteTemplate(&buf, f.tmpl, p); err != nil {
			return nil, fmt.Errorf("render %s: %w", f.tmpl, err)
		}
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(f.path, buf.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.path, err)
		}
		written = append(written, f.path)
	}

	if p.BinaryPath != "" {
		dst := filepath.Join(dir, p.Executable)
		if err := copyFile(p.BinaryPath, dst); err != nil {
			return nil, err
		}
		written = append(written, dst)
	}
	return written, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
