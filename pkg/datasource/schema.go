package datasource

import (
	"fmt"
	"strings"
)

// Field is a single named column in a struct schema.
type Field struct {
	Name     string
	DataType string
	Nullable bool
}

// Schema is the resolved struct schema for a plan session. Only struct
// shapes are valid; anything else is rejected at plan time.
type Schema struct {
	Fields []Field
}

// FieldCount returns the number of columns.
func (s *Schema) FieldCount() int {
	if s == nil {
		return 0
	}
	return len(s.Fields)
}

// String renders the schema back in the compact DDL form.
func (s *Schema) String() string {
	parts := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		parts = append(parts, f.Name+" "+f.DataType)
	}
	return strings.Join(parts, ", ")
}

// ValidateRow checks a row against the schema's field count. Order is
// positional, so a count match is the shape contract the bridge enforces.
func (s *Schema) ValidateRow(row Row) error {
	if len(row) != len(s.Fields) {
		return fmt.Errorf("row has %d values, schema %q has %d fields", len(row), s.String(), len(s.Fields))
	}
	return nil
}

// ParseSchema parses a compact DDL-like schema string such as
// "id INT, name STRING" into a struct schema. A bare type token (for
// example "INT") resolves to a non-struct type and is rejected with
// SCHEMA_INVALID naming the offending input and the resolved type.
func ParseSchema(input string) (*Schema, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, schemaInvalid(input, "<empty>")
	}

	fields := splitTopLevel(trimmed)
	schema := &Schema{Fields: make([]Field, 0, len(fields))}
	for _, raw := range fields {
		f, ok := parseField(raw)
		if !ok {
			// A single unnamed token is a scalar type, not a struct.
			return nil, schemaInvalid(input, strings.TrimSpace(raw))
		}
		schema.Fields = append(schema.Fields, f)
	}
	return schema, nil
}

func schemaInvalid(input, resolved string) error {
	return &Error{
		Code: CodeSchemaInvalid,
		Params: map[string]string{
			"input":        input,
			"resolvedType": resolved,
		},
		Err: fmt.Errorf("schema %q resolved to non-struct type %s", input, resolved),
	}
}

// splitTopLevel splits on commas that are not nested in parentheses or
// angle brackets, so DECIMAL(10,2) and MAP<STRING,INT> stay intact.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(', '<':
			depth++
		case ')', '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func parseField(raw string) (Field, bool) {
	raw = strings.TrimSpace(raw)
	idx := strings.IndexFunc(raw, func(r rune) bool { return r == ' ' || r == '\t' })
	if idx <= 0 {
		return Field{}, false
	}
	name := raw[:idx]
	typ := strings.TrimSpace(raw[idx+1:])
	if typ == "" || !isIdentifier(name) {
		return Field{}, false
	}
	nullable := true
	upper := strings.ToUpper(typ)
	if strings.HasSuffix(upper, " NOT NULL") {
		nullable = false
		typ = strings.TrimSpace(typ[:len(typ)-len(" NOT NULL")])
	}
	return Field{Name: name, DataType: typ, Nullable: nullable}, true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
