// Package stats computes per-file column statistics as rows are buffered
// for a data file write: min/max bounds, null counts, row count, and the
// value-membership digest consulted by the pruner.
//
// Statistics are an optimization, never a correctness requirement. When a
// value cannot be folded into a column's bounds the collector drops that
// column's statistics rather than emit bounds that might exclude live rows;
// a file with no statistics is simply never pruned.
package stats

import (
	"fmt"
	"sort"

	"github.com/arkilian/tidelake/internal/bloom"
	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

// maxStringBound caps the length of persisted string min/max values so one
// oversized value cannot bloat every log entry that carries the file.
const maxStringBound = 256

// Collector accumulates statistics for the rows of a single data file.
// It is not safe for concurrent use; each pending file gets its own.
type Collector struct {
	schema     *types.Schema
	columns    map[string]*columnState
	digest     *bloom.Builder
	digestCols map[string]struct{}
	rows       int64

	// digestDropped is set when a digest column produced an unusable
	// value. A digest missing keys would report false negatives, so the
	// whole digest is discarded instead.
	digestDropped bool
}

type columnState struct {
	typ       types.ColumnType
	min       interface{}
	max       interface{}
	nullCount int64
	dropped   bool
}

// NewCollector builds a collector for one file's rows. digestColumns names
// the columns whose values feed the membership digest; expectedRows sizes
// the digest filter.
func NewCollector(schema *types.Schema, digestColumns []string, expectedRows int) *Collector {
	c := &Collector{
		schema:     schema,
		columns:    make(map[string]*columnState, len(schema.Columns)),
		digestCols: make(map[string]struct{}, len(digestColumns)),
	}
	for _, col := range schema.Columns {
		c.columns[col.Name] = &columnState{typ: col.Type}
	}
	for _, name := range digestColumns {
		if _, ok := c.columns[name]; ok {
			c.digestCols[name] = struct{}{}
		}
	}
	if len(c.digestCols) > 0 {
		keys := expectedRows * len(c.digestCols)
		if keys < 64 {
			keys = 64
		}
		c.digest = bloom.NewBuilder(keys)
	}
	return c
}

// Observe folds one row into the running statistics. Rows are assumed to
// have passed schema validation; a value that still fails to normalize
// drops that column's statistics for the file.
func (c *Collector) Observe(row types.Row) {
	c.rows++
	for name, state := range c.columns {
		v, ok := row[name]
		if !ok || v == nil {
			state.nullCount++
			continue
		}
		norm, err := types.Normalize(v, state.typ)
		if err != nil {
			state.dropped = true
			if _, indexed := c.digestCols[name]; indexed {
				c.digestDropped = true
			}
			continue
		}
		if !state.dropped {
			state.update(norm)
		}
		if _, indexed := c.digestCols[name]; indexed && !c.digestDropped {
			c.digest.Add(name, types.CanonicalString(norm, state.typ))
		}
	}
}

func (s *columnState) update(v interface{}) {
	if s.min == nil {
		s.min = v
		s.max = v
		return
	}
	if cmp, err := types.Compare(v, s.min, s.typ); err != nil {
		s.dropped = true
		return
	} else if cmp < 0 {
		s.min = v
	}
	if cmp, err := types.Compare(v, s.max, s.typ); err != nil {
		s.dropped = true
		return
	} else if cmp > 0 {
		s.max = v
	}
}

// RowCount returns the number of rows observed so far.
func (c *Collector) RowCount() int64 {
	return c.rows
}

// Finalize returns the per-column statistics and the encoded digest for
// the file. Columns whose statistics were dropped are absent from the map,
// and a dropped digest comes back as the empty string; both keep the file
// unprunable rather than wrongly prunable. The returned error, when
// non-nil, carries STATS_COMPUTATION_FAILURE and exists for logging only:
// the statistics alongside it are still safe to commit.
func (c *Collector) Finalize() (map[string]txlog.ColumnStats, string, error) {
	out := make(map[string]txlog.ColumnStats, len(c.columns))
	var droppedCols []string
	for name, state := range c.columns {
		if state.dropped {
			droppedCols = append(droppedCols, name)
			continue
		}
		min, max, ok := boundValues(state)
		if !ok {
			droppedCols = append(droppedCols, name)
			continue
		}
		out[name] = txlog.ColumnStats{Min: min, Max: max, NullCount: state.nullCount}
	}

	encoded := ""
	if c.digest != nil && !c.digestDropped {
		encoded = c.digest.Encode()
	}

	var err error
	if len(droppedCols) > 0 || c.digestDropped {
		sort.Strings(droppedCols)
		msg := fmt.Sprintf("statistics dropped for columns %v", droppedCols)
		if c.digestDropped {
			msg += " (membership digest discarded)"
		}
		err = errors.NewStatsFailure(msg, nil)
	}
	return out, encoded, err
}

// boundValues renders a column's bounds for persistence. String bounds are
// clipped to maxStringBound: the min is truncated (a prefix orders at or
// below the full value) and the max is truncated-and-incremented so it
// still orders above every value in the file.
func boundValues(s *columnState) (interface{}, interface{}, bool) {
	if s.min == nil {
		// All-null column: bounds stay absent, null count is still useful.
		return nil, nil, true
	}
	if s.typ != types.TypeString {
		return s.min, s.max, true
	}
	min := s.min.(string)
	max := s.max.(string)
	if len(min) > maxStringBound {
		min = min[:maxStringBound]
	}
	if len(max) > maxStringBound {
		clipped, ok := upperBoundPrefix(max, maxStringBound)
		if !ok {
			return nil, nil, false
		}
		max = clipped
	}
	return min, max, true
}

// upperBoundPrefix shortens s to at most n bytes while remaining >= s in
// byte order, by incrementing the last byte that has room. Fails only when
// every byte in the prefix is 0xFF.
func upperBoundPrefix(s string, n int) (string, bool) {
	b := []byte(s[:n])
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// DefaultDigestColumns returns the columns indexed by the membership
// digest when no explicit set is configured: every non-DOUBLE column.
// Doubles are excluded because equality probes against floating-point
// values are too fragile to index.
func DefaultDigestColumns(schema *types.Schema) []string {
	cols := make([]string, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		if c.Type != types.TypeDouble {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// Collect runs a collector over a full row slice and returns the
// statistics, digest, and row count in one call. It is the common path for
// writers that buffer a file's rows before flushing them.
func Collect(schema *types.Schema, rows []types.Row, digestColumns []string) (map[string]txlog.ColumnStats, string, int64, error) {
	c := NewCollector(schema, digestColumns, len(rows))
	for _, row := range rows {
		c.Observe(row)
	}
	statsMap, digest, err := c.Finalize()
	return statsMap, digest, c.RowCount(), err
}
