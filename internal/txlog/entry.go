package txlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/pkg/types"
)

// Op is the operation recorded by a log entry.
type Op string

// Log entry operations.
const (
	// OpAppend adds new data files without touching existing ones.
	OpAppend Op = "APPEND"

	// OpCompact replaces a set of files with rewritten files holding
	// the same rows.
	OpCompact Op = "COMPACT"

	// OpDelete logically removes files. Entries may also carry adds,
	// which is how an overwrite replaces a table's contents in one
	// atomic commit.
	OpDelete Op = "DELETE"

	// OpSchemaChange installs a new schema version. The genesis entry
	// of every table is a schema change.
	OpSchemaChange Op = "SCHEMA_CHANGE"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpAppend, OpCompact, OpDelete, OpSchemaChange:
		return true
	}
	return false
}

// ColumnStats holds per-column statistics for one data file. Min and Max
// are JSON scalars typed by the table schema; decoding preserves numbers
// as json.Number so integer stats survive the round trip exactly.
type ColumnStats struct {
	Min       interface{} `json:"min"`
	Max       interface{} `json:"max"`
	NullCount int64       `json:"nullCount"`
}

// FileRef describes one immutable data file named by a log entry.
type FileRef struct {
	// Path is the file's object path relative to the table root.
	Path string `json:"path"`

	// PartitionValues are the file's partition column values.
	PartitionValues types.PartitionValues `json:"partitionValues,omitempty"`

	// RowCount is the number of rows in the file.
	RowCount int64 `json:"rowCount"`

	// ByteSize is the file size in bytes.
	ByteSize int64 `json:"byteSize"`

	// Stats holds per-column min/max/nullCount, keyed by column name.
	// May be empty when stats collection failed for the file.
	Stats map[string]ColumnStats `json:"stats,omitempty"`

	// BloomDigest is the file's encoded membership digest, empty when
	// unavailable.
	BloomDigest string `json:"bloomDigest,omitempty"`
}

// PartitionKey returns the file's canonical partition key given the
// table's partition column order.
func (f *FileRef) PartitionKey(order []string) string {
	return f.PartitionValues.Key(order)
}

// Entry is one committed transaction. The entry for version N lives at
// _txn_log/<N padded to 20 digits>.json under the table root.
type Entry struct {
	Version       uint64        `json:"version"`
	TimestampMs   int64         `json:"timestamp"`
	Op            Op            `json:"op"`
	SchemaVersion uint32        `json:"schemaVersion"`
	Schema        *types.Schema `json:"schema,omitempty"`

	// PartitionColumns is the table's partition column order. Only
	// SCHEMA_CHANGE entries carry it; the genesis entry establishes it
	// and later schema changes repeat it unchanged.
	PartitionColumns []string `json:"partitionColumns,omitempty"`

	Adds    []FileRef `json:"adds,omitempty"`
	Removes []FileRef `json:"removes,omitempty"`
}

// Validate checks the entry's structural invariants.
func (e *Entry) Validate() error {
	if !e.Op.Valid() {
		return fmt.Errorf("unknown op %q", e.Op)
	}
	if e.TimestampMs <= 0 {
		return fmt.Errorf("missing timestamp")
	}

	switch e.Op {
	case OpAppend:
		if len(e.Adds) == 0 {
			return fmt.Errorf("APPEND entry has no adds")
		}
		if len(e.Removes) != 0 {
			return fmt.Errorf("APPEND entry has removes")
		}
	case OpCompact:
		if len(e.Adds) == 0 || len(e.Removes) == 0 {
			return fmt.Errorf("COMPACT entry must have adds and removes")
		}
	case OpDelete:
		if len(e.Removes) == 0 {
			return fmt.Errorf("DELETE entry has no removes")
		}
	case OpSchemaChange:
		if e.Schema == nil {
			return fmt.Errorf("SCHEMA_CHANGE entry has no schema")
		}
		if len(e.Adds) != 0 || len(e.Removes) != 0 {
			return fmt.Errorf("SCHEMA_CHANGE entry must not add or remove files")
		}
	}

	if e.Schema != nil {
		if err := e.Schema.Validate(); err != nil {
			return fmt.Errorf("embedded schema: %w", err)
		}
		if e.Schema.Version != e.SchemaVersion {
			return fmt.Errorf("schemaVersion %d does not match embedded schema version %d",
				e.SchemaVersion, e.Schema.Version)
		}
	}
	if len(e.PartitionColumns) > 0 {
		if e.Op != OpSchemaChange {
			return fmt.Errorf("%s entry must not declare partition columns", e.Op)
		}
		for _, col := range e.PartitionColumns {
			if _, ok := e.Schema.Column(col); !ok {
				return fmt.Errorf("partition column %q not in schema", col)
			}
		}
	}
	if e.Version == 0 && e.Op != OpSchemaChange {
		return fmt.Errorf("genesis entry must be a SCHEMA_CHANGE, got %s", e.Op)
	}

	for i := range e.Adds {
		if err := validateFileRef(&e.Adds[i]); err != nil {
			return fmt.Errorf("adds[%d]: %w", i, err)
		}
	}
	for i := range e.Removes {
		if err := validateFileRef(&e.Removes[i]); err != nil {
			return fmt.Errorf("removes[%d]: %w", i, err)
		}
	}
	return nil
}

func validateFileRef(f *FileRef) error {
	if f.Path == "" {
		return fmt.Errorf("empty file path")
	}
	if f.RowCount < 0 {
		return fmt.Errorf("negative row count")
	}
	if f.ByteSize < 0 {
		return fmt.Errorf("negative byte size")
	}
	return nil
}

// Encode serializes the entry to its on-log JSON form. Invalid entries
// are rejected rather than written.
func (e *Entry) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryLog, errors.CodeCorruptLogEntry,
			"refusing to encode invalid entry", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryLog, errors.CodeCorruptLogEntry,
			"encode entry", err)
	}
	return data, nil
}

// DecodeEntry parses and validates a log entry. Any malformed input is a
// corrupt-log error; replay must fail fast rather than skip entries.
func DecodeEntry(data []byte) (*Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var e Entry
	if err := dec.Decode(&e); err != nil {
		return nil, errors.NewCorruptLogEntry("malformed entry JSON", err)
	}
	// Trailing garbage after the entry object is corruption too.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.NewCorruptLogEntry("trailing data after entry", nil)
	}
	if err := e.Validate(); err != nil {
		return nil, errors.NewCorruptLogEntry("invalid entry", err)
	}
	return &e, nil
}
