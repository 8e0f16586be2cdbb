package sqldb

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// CreatedColumn is appended to every validated schema.
const CreatedColumn = "create_dttm"

const createdDatatype = "datetime default current_timestamp"

// Column is one schema entry.
type Column struct {
	Name     string `yaml:"col_name" json:"col_name"`
	Datatype string `yaml:"datatype" json:"datatype"`
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	datatypePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_(), ]*$`)
)

// ValidateSchema lower-cases column names, rejects incomplete or unsafe
// entries and appends the create_dttm column.
func ValidateSchema(cols []Column) ([]Column, error) {
	out := make([]Column, 0, len(cols)+1)
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		datatype := strings.TrimSpace(c.Datatype)
		if name == "" || datatype == "" {
			return nil, fmt.Errorf("schema entry %d: col_name and datatype must be present", i)
		}
		if !identifierPattern.MatchString(name) {
			return nil, fmt.Errorf("schema entry %d: invalid column name %q", i, c.Name)
		}
		if !datatypePattern.MatchString(datatype) {
			return nil, fmt.Errorf("schema entry %d: invalid datatype %q", i, c.Datatype)
		}
		if name == CreatedColumn {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("schema entry %d: duplicate column %q", i, name)
		}
		seen[name] = true
		out = append(out, Column{Name: name, Datatype: datatype})
	}
	return append(out, Column{Name: CreatedColumn, Datatype: createdDatatype}), nil
}

// LoadSchemaFile reads a YAML list of {col_name, datatype} and validates it.
func LoadSchemaFile(path string) ([]Column, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	var cols []Column
	if err := yaml.Unmarshal(data, &cols); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return ValidateSchema(cols)
}

func checkIdentifier(kind, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

// insertable drops the server-filled create_dttm column.
func insertable(schema []Column) []Column {
	out := make([]Column, 0, len(schema))
	for _, c := range schema {
		if c.Name != CreatedColumn {
			out = append(out, c)
		}
	}
	return out
}
