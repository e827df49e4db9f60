package compact

import (
	"sort"

	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

const (
	// DefaultSmallFileBytes is the size below which a file counts as a
	// fragment worth merging.
	DefaultSmallFileBytes int64 = 32 << 20

	// DefaultMaxFilesPerPartition caps how many files a partition may
	// accumulate before it is rewritten regardless of file sizes.
	DefaultMaxFilesPerPartition = 16

	// DefaultTargetFileBytes is the size rewritten files aim for.
	DefaultTargetFileBytes int64 = 64 << 20
)

// Reason records why a partition was selected for rewriting.
type Reason string

const (
	ReasonSmallFiles   Reason = "small_files"
	ReasonTooManyFiles Reason = "too_many_files"
)

// Group is one partition's worth of files to rewrite together. Files
// from different partitions never merge: rewritten files must carry the
// same partition values as their sources.
type Group struct {
	Partition types.PartitionValues
	Key       string
	Files     []txlog.FileRef
	Reason    Reason
}

func (g *Group) totalBytes() int64 {
	var n int64
	for _, f := range g.Files {
		n += f.ByteSize
	}
	return n
}

func (g *Group) totalRows() int64 {
	var n int64
	for _, f := range g.Files {
		n += f.RowCount
	}
	return n
}

// planGroups selects the partitions whose layout warrants a rewrite.
// A partition qualifies when it holds at least two files under the
// small-file threshold, or more files than maxFiles outright. In the
// small-file case only the fragments are rewritten; files already at a
// healthy size stay untouched.
func planGroups(snap *snapshot.Snapshot, scope types.PartitionValues, smallBytes int64, maxFiles int) []Group {
	byPartition := snap.FilesByPartition()
	keys := make([]string, 0, len(byPartition))
	for key := range byPartition {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var groups []Group
	for _, key := range keys {
		files := byPartition[key]
		if len(files) == 0 || !scopeMatches(scope, files[0].PartitionValues) {
			continue
		}
		if len(files) > maxFiles {
			groups = append(groups, Group{
				Partition: files[0].PartitionValues,
				Key:       key,
				Files:     files,
				Reason:    ReasonTooManyFiles,
			})
			continue
		}
		var small []txlog.FileRef
		for _, f := range files {
			if f.ByteSize < smallBytes {
				small = append(small, f)
			}
		}
		if len(small) >= 2 {
			groups = append(groups, Group{
				Partition: small[0].PartitionValues,
				Key:       key,
				Files:     small,
				Reason:    ReasonSmallFiles,
			})
		}
	}
	return groups
}

// scopeMatches reports whether a partition falls inside the requested
// scope. An empty scope matches every partition; otherwise every scoped
// column must match the partition's value exactly.
func scopeMatches(scope, pv types.PartitionValues) bool {
	for col, want := range scope {
		if pv[col] != want {
			return false
		}
	}
	return true
}
