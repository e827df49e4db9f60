package prune

import (
	"log"

	"github.com/arkilian/tidelake/internal/bloom"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

// Result reports the outcome of pruning one file set.
type Result struct {
	// Files is the retained candidate set, in input order.
	Files []txlog.FileRef

	// Total is the number of files considered.
	Total int

	// PartitionPruned counts files discarded on partition values alone.
	PartitionPruned int

	// StatsPruned counts files discarded by min/max and null-count
	// statistics.
	StatsPruned int

	// DigestPruned counts files discarded by membership digest lookups.
	DigestPruned int

	// PruningRatio is the fraction of files discarded, 0.0 to 1.0.
	PruningRatio float64
}

// Pruning phases, in evaluation order. Each phase sees strictly more
// file evidence than the one before it, so attribution is by the first
// phase able to discard the file.
type phase int

const (
	phasePartition phase = iota
	phaseStats
	phaseDigest
)

// Pruner discards files that provably contain no row matching a
// predicate. Decisions use only per-file metadata: partition values,
// min/max statistics, null counts, and the membership digest. Anything
// undecidable keeps the file, so the output is always a superset of the
// files holding matching rows. Not safe for concurrent use; build one
// per query.
type Pruner struct {
	colTypes map[string]types.ColumnType

	// digests caches decoded membership digests by file path. A nil
	// entry records a file whose digest was absent or undecodable.
	digests map[string]*bloom.Digest
}

// NewPruner builds a pruner for files of the given schema.
func NewPruner(schema *types.Schema) *Pruner {
	colTypes := make(map[string]types.ColumnType, len(schema.Columns))
	for _, col := range schema.Columns {
		colTypes[col.Name] = col.Type
	}
	return &Pruner{
		colTypes: colTypes,
		digests:  make(map[string]*bloom.Digest),
	}
}

// Prune filters files against a bound predicate. A nil predicate retains
// everything.
func (p *Pruner) Prune(files []txlog.FileRef, predicate Expr) *Result {
	res := &Result{Total: len(files)}
	if predicate == nil {
		res.Files = append(res.Files, files...)
		return res
	}

	// Negations are folded into the leaves up front: "might match" logic
	// composes through AND/OR but cannot be negated soundly.
	norm := normalizeNot(predicate, false)

	for i := range files {
		f := &files[i]
		switch {
		case !p.possible(norm, f, phasePartition):
			res.PartitionPruned++
		case !p.possible(norm, f, phaseStats):
			res.StatsPruned++
		case !p.possible(norm, f, phaseDigest):
			res.DigestPruned++
		default:
			res.Files = append(res.Files, *f)
		}
	}

	if res.Total > 0 {
		res.PruningRatio = float64(res.Total-len(res.Files)) / float64(res.Total)
	}
	return res
}

// possible reports whether any row of the file could satisfy the
// expression, judged with the evidence available at the given phase.
// False is definitive; true may be a false positive.
func (p *Pruner) possible(e Expr, f *txlog.FileRef, ph phase) bool {
	switch x := e.(type) {
	case *And:
		return p.possible(x.Left, f, ph) && p.possible(x.Right, f, ph)
	case *Or:
		return p.possible(x.Left, f, ph) || p.possible(x.Right, f, ph)
	case *Compare:
		return p.comparePossible(x, f, ph)
	case *In:
		return p.inPossible(x, f, ph)
	case *Between:
		return p.betweenPossible(x, f, ph)
	case *IsNull:
		return p.isNullPossible(x, f, ph)
	default:
		// Unexpected node (including a surviving Not): keep the file.
		return true
	}
}

// partitionValue returns the typed value a partition column holds for
// every row of the file, or ok=false when the file gives no usable
// partition evidence for the column. An empty stored value is treated as
// unusable: writers render null partition values as the empty string.
func (p *Pruner) partitionValue(f *txlog.FileRef, column string) (interface{}, bool) {
	raw, ok := f.PartitionValues[column]
	if !ok || raw == "" {
		return nil, false
	}
	t, known := p.colTypes[column]
	if !known {
		return nil, false
	}
	v, err := types.Normalize(raw, t)
	if err != nil {
		return nil, false
	}
	return v, true
}

// columnBounds returns the file's min/max for a column, or ok=false when
// no usable bounds exist. allNull reports a column whose stats exist but
// hold no non-null values.
func (p *Pruner) columnBounds(f *txlog.FileRef, column string) (min, max interface{}, allNull, ok bool) {
	cs, has := f.Stats[column]
	if !has {
		return nil, nil, false, false
	}
	if cs.Min == nil || cs.Max == nil {
		// Bounds absent: all-null only when the null count proves it.
		if f.RowCount > 0 && cs.NullCount == f.RowCount {
			return nil, nil, true, true
		}
		return nil, nil, false, false
	}
	return cs.Min, cs.Max, false, true
}

func (p *Pruner) digest(f *txlog.FileRef) *bloom.Digest {
	if d, ok := p.digests[f.Path]; ok {
		return d
	}
	d, err := bloom.Decode(f.BloomDigest)
	if err != nil {
		log.Printf("[WARN] prune: undecodable digest for %s: %v", f.Path, err)
		d = nil
	}
	p.digests[f.Path] = d
	return d
}

func (p *Pruner) comparePossible(e *Compare, f *txlog.FileRef, ph phase) bool {
	t, known := p.colTypes[e.Column]
	if !known {
		return true
	}

	// A partition column pins the value for every row in the file, which
	// decides any comparison exactly.
	if exact, ok := p.partitionValue(f, e.Column); ok {
		cmp, err := types.Compare(exact, e.Value, t)
		if err != nil {
			return true
		}
		return opHolds(e.Op, cmp)
	}
	if ph == phasePartition {
		return true
	}

	min, max, allNull, ok := p.columnBounds(f, e.Column)
	if !ok {
		return true
	}
	if allNull {
		// Null never satisfies a comparison.
		return false
	}

	cmpMin, errMin := types.Compare(min, e.Value, t)
	cmpMax, errMax := types.Compare(max, e.Value, t)
	if errMin != nil || errMax != nil {
		return true
	}

	switch e.Op {
	case OpEq:
		if cmpMin > 0 || cmpMax < 0 {
			return false
		}
		if ph >= phaseDigest {
			return p.digest(f).MightContain(e.Column, types.CanonicalString(e.Value, t))
		}
		return true
	case OpNe:
		// Impossible only when every row holds exactly the literal.
		return !(cmpMin == 0 && cmpMax == 0)
	case OpLt:
		return cmpMin < 0
	case OpLe:
		return cmpMin <= 0
	case OpGt:
		return cmpMax > 0
	case OpGe:
		return cmpMax >= 0
	}
	return true
}

func (p *Pruner) inPossible(e *In, f *txlog.FileRef, ph phase) bool {
	t, known := p.colTypes[e.Column]
	if !known {
		return true
	}

	if exact, ok := p.partitionValue(f, e.Column); ok {
		member := false
		for _, v := range e.Values {
			cmp, err := types.Compare(exact, v, t)
			if err != nil {
				return true
			}
			if cmp == 0 {
				member = true
				break
			}
		}
		return member != e.Not
	}
	if ph == phasePartition {
		return true
	}

	min, max, allNull, ok := p.columnBounds(f, e.Column)
	if !ok {
		return true
	}
	if allNull {
		return false
	}

	if e.Not {
		// NOT IN is impossible only when every row holds one value and
		// that value is listed.
		cmpRange, err := types.Compare(min, max, t)
		if err != nil || cmpRange != 0 {
			return true
		}
		for _, v := range e.Values {
			cmp, err := types.Compare(min, v, t)
			if err != nil {
				return true
			}
			if cmp == 0 {
				return false
			}
		}
		return true
	}

	for _, v := range e.Values {
		cmpMin, errMin := types.Compare(min, v, t)
		cmpMax, errMax := types.Compare(max, v, t)
		if errMin != nil || errMax != nil {
			return true
		}
		if cmpMin > 0 || cmpMax < 0 {
			continue
		}
		if ph >= phaseDigest && !p.digest(f).MightContain(e.Column, types.CanonicalString(v, t)) {
			continue
		}
		return true
	}
	return false
}

func (p *Pruner) betweenPossible(e *Between, f *txlog.FileRef, ph phase) bool {
	t, known := p.colTypes[e.Column]
	if !known {
		return true
	}

	if exact, ok := p.partitionValue(f, e.Column); ok {
		cmpLow, errLow := types.Compare(exact, e.Low, t)
		cmpHigh, errHigh := types.Compare(exact, e.High, t)
		if errLow != nil || errHigh != nil {
			return true
		}
		inside := cmpLow >= 0 && cmpHigh <= 0
		return inside != e.Not
	}
	if ph == phasePartition {
		return true
	}

	min, max, allNull, ok := p.columnBounds(f, e.Column)
	if !ok {
		return true
	}
	if allNull {
		return false
	}

	if e.Not {
		// Impossible only when every row lies inside the range.
		cmpLow, errLow := types.Compare(min, e.Low, t)
		cmpHigh, errHigh := types.Compare(max, e.High, t)
		if errLow != nil || errHigh != nil {
			return true
		}
		return !(cmpLow >= 0 && cmpHigh <= 0)
	}

	cmpLow, errLow := types.Compare(max, e.Low, t)
	cmpHigh, errHigh := types.Compare(min, e.High, t)
	if errLow != nil || errHigh != nil {
		return true
	}
	// Ranges overlap when max >= low and min <= high.
	return cmpLow >= 0 && cmpHigh <= 0
}

func (p *Pruner) isNullPossible(e *IsNull, f *txlog.FileRef, ph phase) bool {
	if ph == phasePartition {
		return true
	}
	cs, has := f.Stats[e.Column]
	if !has {
		return true
	}
	if e.Not {
		// IS NOT NULL is impossible only when every row is null.
		return !(f.RowCount > 0 && cs.NullCount == f.RowCount)
	}
	return cs.NullCount > 0
}
