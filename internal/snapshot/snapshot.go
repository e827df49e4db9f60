// Package snapshot materializes table state at a version by replaying
// the transaction log, seeded from checkpoints when available. A
// snapshot is immutable: it captures the schema and the exact set of
// active data files as of its version.
package snapshot

import (
	"sort"

	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

// Snapshot is the materialized state of a table at one version.
type Snapshot struct {
	// TableRoot is the table's root path in storage.
	TableRoot string

	// Version is the log version this snapshot reflects.
	Version uint64

	// TimestampMs is the commit timestamp of Version.
	TimestampMs int64

	// Schema is the table schema in effect at Version.
	Schema *types.Schema

	// PartitionColumns is the table's partition column order, empty for
	// unpartitioned tables.
	PartitionColumns []string

	// Files is the active file set, sorted by path.
	Files []txlog.FileRef
}

// FileCount returns the number of active files.
func (s *Snapshot) FileCount() int {
	return len(s.Files)
}

// TotalRows returns the row count across all active files.
func (s *Snapshot) TotalRows() int64 {
	var n int64
	for i := range s.Files {
		n += s.Files[i].RowCount
	}
	return n
}

// TotalBytes returns the byte size across all active files.
func (s *Snapshot) TotalBytes() int64 {
	var n int64
	for i := range s.Files {
		n += s.Files[i].ByteSize
	}
	return n
}

// FilesByPartition groups active files by canonical partition key in the
// table's partition column order. Unpartitioned tables yield a single
// group under the empty key.
func (s *Snapshot) FilesByPartition() map[string][]txlog.FileRef {
	groups := make(map[string][]txlog.FileRef)
	for _, f := range s.Files {
		order := s.PartitionColumns
		if len(order) == 0 {
			order = f.PartitionValues.SortedKeys()
		}
		key := f.PartitionValues.Key(order)
		groups[key] = append(groups[key], f)
	}
	return groups
}

// ContainsFile reports whether path is active in this snapshot.
func (s *Snapshot) ContainsFile(path string) bool {
	i := sort.Search(len(s.Files), func(i int) bool { return s.Files[i].Path >= path })
	return i < len(s.Files) && s.Files[i].Path == path
}
