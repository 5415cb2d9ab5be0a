// Package schema models the desired database structure and detects drift
// between it and a live database.
package schema

import (
	"context"
	"strings"
)

// Column describes one column of a desired or introspected table. Type is
// the dialect's type name and may carry qualifiers ("varchar(255)").
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Default  *string
}

// HasDefault reports whether the column declares a default value.
func (c *Column) HasDefault() bool {
	return c.Default != nil
}

// Constraint is a named table constraint with its body as the dialect
// renders it, e.g. "UNIQUE (email)".
type Constraint struct {
	Name string
	Def  string
}

// Table is a complete table definition.
type Table struct {
	Name        string
	Columns     []Column
	Constraints []Constraint
}

// Column returns the column with the given name, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// Constraint returns the constraint with the given name, or nil.
func (t *Table) Constraint(name string) *Constraint {
	for i := range t.Constraints {
		if strings.EqualFold(t.Constraints[i].Name, name) {
			return &t.Constraints[i]
		}
	}
	return nil
}

// Provider supplies the desired schema, keyed by table name. It is the
// boundary to the object-mapping layer; this package never sees models,
// only table definitions.
type Provider interface {
	DesiredSchema(ctx context.Context) (map[string]Table, error)
}
