package types

import (
	"net/url"
	"sort"
	"strings"
)

// PartitionValues is the partition-column tuple of a data file, keyed by
// column name with canonical string values.
type PartitionValues map[string]string

// Key returns the canonical tuple key for the given column order, e.g.
// "date=2024-01-01/region=EU". Two files belong to the same partition exactly
// when their keys are equal; the commit protocol uses these keys for
// partition-level conflict detection.
func (pv PartitionValues) Key(order []string) string {
	if len(order) == 0 {
		// Unpartitioned tables collapse into a single partition.
		return ""
	}
	parts := make([]string, 0, len(order))
	for _, col := range order {
		parts = append(parts, col+"="+pv[col])
	}
	return strings.Join(parts, "/")
}

// PathPrefix returns the hive-style directory prefix for data files in this
// partition. Values are percent-escaped so separators and reserved characters
// cannot corrupt the path.
func (pv PartitionValues) PathPrefix(order []string) string {
	if len(order) == 0 {
		return ""
	}
	parts := make([]string, 0, len(order))
	for _, col := range order {
		parts = append(parts, col+"="+url.PathEscape(pv[col]))
	}
	return strings.Join(parts, "/") + "/"
}

// SortedKeys returns the partition column names in lexical order. Used where
// a deterministic iteration order is needed without the table's declared
// column order.
func (pv PartitionValues) SortedKeys() []string {
	keys := make([]string, 0, len(pv))
	for k := range pv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether two tuples assign identical values to identical
// columns.
func (pv PartitionValues) Equal(other PartitionValues) bool {
	if len(pv) != len(other) {
		return false
	}
	for k, v := range pv {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
