package table

import (
	"context"
	"log"
	"time"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/prune"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

// ScanRequest describes one query plan request. The zero value plans
// the whole table at the latest version.
type ScanRequest struct {
	// Predicate is the optional filter in the engine's predicate
	// syntax, e.g. `region = 'EU' AND amount > 100`. Empty retains
	// every file.
	Predicate string

	// AsOfVersion pins the plan to an exact historical version.
	AsOfVersion *uint64

	// AsOfTime pins the plan to the newest version committed at or
	// before this instant. Mutually exclusive with AsOfVersion.
	AsOfTime *time.Time
}

// ScanPlan is the result of planning a query: the exact files an
// external compute engine must read, with the schema to read them
// under. The plan holds a lease in the reader registry that shields its
// files from vacuum until Release is called.
type ScanPlan struct {
	// TableRoot locates the table; file paths are relative to it.
	TableRoot string

	// Version is the snapshot version the plan reflects.
	Version uint64

	// Timestamp is the commit time of Version.
	Timestamp time.Time

	// Schema is the schema in effect at Version.
	Schema *types.Schema

	// Files are the data files a scan must read, after pruning.
	Files []txlog.FileRef

	// Predicate is the canonical form of the bound predicate, empty
	// when none was given.
	Predicate string

	// Prune reports how many candidate files each pruning phase
	// discarded.
	Prune *prune.Result

	lease *snapshot.Lease
}

// Release ends the plan's vacuum shield. Safe to call more than once.
func (p *ScanPlan) Release() {
	p.lease.Release()
}

// TotalRows returns the row count across the plan's files. Pruning is
// conservative, so this is an upper bound on matching rows.
func (p *ScanPlan) TotalRows() int64 {
	var n int64
	for i := range p.Files {
		n += p.Files[i].RowCount
	}
	return n
}

// Query plans a read: it resolves the requested snapshot, prunes files
// the predicate provably cannot match using partition values, min/max
// statistics, and membership digests, and returns the surviving file
// set. The engine never scans data itself.
//
// Callers must Release the returned plan when the scan is done.
func (t *Table) Query(ctx context.Context, req ScanRequest) (*ScanPlan, error) {
	snap, err := t.resolveSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}

	var bound prune.Expr
	if req.Predicate != "" {
		expr, err := prune.Parse(req.Predicate)
		if err != nil {
			return nil, err
		}
		if bound, err = prune.Bind(expr, snap.Schema); err != nil {
			return nil, err
		}
	}

	pruner := prune.NewPruner(snap.Schema)
	result := pruner.Prune(snap.Files, bound)

	plan := &ScanPlan{
		TableRoot: t.root,
		Version:   snap.Version,
		Timestamp: time.UnixMilli(snap.TimestampMs),
		Schema:    snap.Schema,
		Files:     result.Files,
		Prune:     result,
		lease:     t.registry.Acquire(result.Files),
	}
	if bound != nil {
		plan.Predicate = bound.String()
	}

	log.Printf("table: planned scan of %s@%d: %d of %d files after pruning (%d partition, %d stats, %d digest)",
		t.root, snap.Version, len(result.Files), result.Total,
		result.PartitionPruned, result.StatsPruned, result.DigestPruned)
	return plan, nil
}

// resolveSnapshot materializes the snapshot a request targets.
func (t *Table) resolveSnapshot(ctx context.Context, req ScanRequest) (*snapshot.Snapshot, error) {
	switch {
	case req.AsOfVersion != nil && req.AsOfTime != nil:
		return nil, errors.New(errors.ErrCategoryQuery, errors.CodeInvalidPredicate,
			"as-of version and as-of timestamp are mutually exclusive")
	case req.AsOfVersion != nil:
		return t.builder.LoadVersion(ctx, *req.AsOfVersion)
	case req.AsOfTime != nil:
		return t.builder.LoadTimestamp(ctx, req.AsOfTime.UnixMilli())
	default:
		return t.builder.Load(ctx)
	}
}
