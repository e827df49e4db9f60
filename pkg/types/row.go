// Package types provides core data types for the tidelake engine: rows,
// schemas, column types, and partition value tuples.
package types

// Row is a single logical record keyed by column name. Values are expected
// to be in normalized form (see Normalize) before they reach the storage
// layers.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
