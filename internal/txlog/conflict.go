package txlog

// ConflictPolicy decides whether a committed entry invalidates a pending
// commit that was prepared against an older snapshot. Policies must err
// toward reporting conflicts: a false negative corrupts the table, a
// false positive only costs a retry.
type ConflictPolicy interface {
	// Name identifies the policy in configuration and logs.
	Name() string

	// Conflicts reports whether committed invalidates pending.
	Conflicts(pending *CommitRequest, committed *Entry) bool
}

// PartitionPolicy detects conflicts at partition granularity. Two pure
// appends never conflict. A commit that removes files conflicts with any
// concurrent commit touching one of its partitions, because the removed
// set was chosen from a snapshot that no longer reflects the partition.
// Schema changes conflict with everything.
type PartitionPolicy struct{}

// Name implements ConflictPolicy.
func (PartitionPolicy) Name() string { return "partition" }

// Conflicts implements ConflictPolicy.
func (PartitionPolicy) Conflicts(pending *CommitRequest, committed *Entry) bool {
	if pending.Op == OpSchemaChange || committed.Op == OpSchemaChange {
		return true
	}

	pendingPure := len(pending.Removes) == 0
	committedPure := len(committed.Removes) == 0
	if pendingPure && committedPure {
		return false
	}

	mine := touchedPartitions(pending.Adds, pending.Removes)
	theirs := touchedPartitions(committed.Adds, committed.Removes)
	for key := range mine {
		if _, ok := theirs[key]; ok {
			return true
		}
	}
	return false
}

// FilePolicy detects conflicts at file granularity: a pending commit is
// invalidated only when a file it removes was already removed by a
// concurrent commit. This admits concurrent appends into partitions
// being compacted, at the cost of letting a compaction land against a
// partition that has since gained files.
type FilePolicy struct{}

// Name implements ConflictPolicy.
func (FilePolicy) Name() string { return "file" }

// Conflicts implements ConflictPolicy.
func (FilePolicy) Conflicts(pending *CommitRequest, committed *Entry) bool {
	if pending.Op == OpSchemaChange || committed.Op == OpSchemaChange {
		return true
	}
	if len(pending.Removes) == 0 || len(committed.Removes) == 0 {
		return false
	}

	removed := make(map[string]struct{}, len(committed.Removes))
	for i := range committed.Removes {
		removed[committed.Removes[i].Path] = struct{}{}
	}
	for i := range pending.Removes {
		if _, ok := removed[pending.Removes[i].Path]; ok {
			return true
		}
	}
	return false
}

// PolicyByName returns the conflict policy for a configuration name.
func PolicyByName(name string) (ConflictPolicy, bool) {
	switch name {
	case "", "partition":
		return PartitionPolicy{}, true
	case "file":
		return FilePolicy{}, true
	}
	return nil, false
}

// touchedPartitions collects the canonical partition keys referenced by
// the given file sets.
func touchedPartitions(sets ...[]FileRef) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, set := range sets {
		for i := range set {
			pv := set[i].PartitionValues
			keys[pv.Key(pv.SortedKeys())] = struct{}{}
		}
	}
	return keys
}
