package types

import "fmt"

// ColumnType identifies the logical type of a column.
type ColumnType string

const (
	// TypeString is an arbitrary UTF-8 string.
	TypeString ColumnType = "STRING"

	// TypeInteger is a 64-bit signed integer.
	TypeInteger ColumnType = "INTEGER"

	// TypeDouble is a 64-bit IEEE float.
	TypeDouble ColumnType = "DOUBLE"

	// TypeBoolean is a true/false value.
	TypeBoolean ColumnType = "BOOLEAN"

	// TypeTimestamp is an instant stored as Unix epoch milliseconds.
	TypeTimestamp ColumnType = "TIMESTAMP"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeDouble, TypeBoolean, TypeTimestamp:
		return true
	}
	return false
}

// SQLiteType returns the SQLite storage class used for this column type in
// data files.
func (t ColumnType) SQLiteType() string {
	switch t {
	case TypeString:
		return "TEXT"
	case TypeDouble:
		return "REAL"
	default:
		// INTEGER, BOOLEAN (0/1), TIMESTAMP (epoch millis)
		return "INTEGER"
	}
}

// WidensTo reports whether a value of type t may be stored in a column that
// was widened to type wider without loss of readability. A type trivially
// widens to itself.
func (t ColumnType) WidensTo(wider ColumnType) bool {
	if t == wider {
		return true
	}
	return t == TypeInteger && wider == TypeDouble
}

// ColumnDef defines a single column in a table schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the logical column type
	Type ColumnType `json:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`
}

// Schema is the versioned, ordered column set of a table.
type Schema struct {
	// Version tracks schema evolution; incremented on every SCHEMA_CHANGE
	Version uint32 `json:"version"`

	// Columns defines the columns in declaration order
	Columns []ColumnDef `json:"columns"`
}

// Column returns the definition of the named column.
func (s *Schema) Column(name string) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// ColumnNames returns the column names in declaration order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Validate checks structural soundness: at least one column, unique names,
// known types.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema: no columns defined")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema: empty column name")
		}
		if seen[c.Name] {
			return fmt.Errorf("schema: duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return fmt.Errorf("schema: column %q has unknown type %q", c.Name, c.Type)
		}
	}
	return nil
}

// Equal reports whether two schemas have identical column sets, ignoring the
// version number.
func (s *Schema) Equal(other *Schema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		o := other.Columns[i]
		if c.Name != o.Name || c.Type != o.Type || c.Nullable != o.Nullable {
			return false
		}
	}
	return true
}

// CanEvolveTo checks whether next is a backward-compatible evolution of s:
// every existing column must keep its name, keep or widen its type, and keep
// or relax its nullability; new columns must be nullable so that old files
// remain readable under the new schema.
func (s *Schema) CanEvolveTo(next *Schema) error {
	if err := next.Validate(); err != nil {
		return err
	}
	for _, c := range s.Columns {
		n, ok := next.Column(c.Name)
		if !ok {
			return fmt.Errorf("schema: column %q dropped; drops are not backward-compatible", c.Name)
		}
		if !c.Type.WidensTo(n.Type) {
			return fmt.Errorf("schema: column %q cannot change type %s -> %s", c.Name, c.Type, n.Type)
		}
		if c.Nullable && !n.Nullable {
			return fmt.Errorf("schema: column %q cannot become non-nullable", c.Name)
		}
	}
	for _, n := range next.Columns {
		if _, ok := s.Column(n.Name); !ok && !n.Nullable {
			return fmt.Errorf("schema: new column %q must be nullable", n.Name)
		}
	}
	return nil
}
