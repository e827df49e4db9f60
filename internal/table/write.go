package table

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"

	"github.com/arkilian/tidelake/internal/datafile"
	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/stats"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

// Append stages rows as new data files and commits them in one atomic
// transaction, returning the new version. The whole batch is validated
// against the table schema before any file is written; a batch with a
// bad row stages nothing. Appending zero rows is a no-op that returns
// the current version.
//
// Files uploaded by a commit that ultimately fails are left behind as
// orphans; vacuum reclaims them.
func (t *Table) Append(ctx context.Context, rows []types.Row) (uint64, error) {
	snap, err := t.builder.Load(ctx)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return snap.Version, nil
	}

	adds, err := t.stage(ctx, snap, rows)
	if err != nil {
		return 0, err
	}

	entry, err := t.committer.Commit(ctx, &txlog.CommitRequest{
		BaseVersion:   snap.Version,
		Op:            txlog.OpAppend,
		SchemaVersion: snap.Schema.Version,
		Adds:          adds,
	})
	if err != nil {
		log.Printf("[WARN] table: append to %s failed after staging %d files; vacuum will reclaim them: %v",
			t.root, len(adds), err)
		return 0, err
	}

	log.Printf("table: appended %d rows to %s as version %d (%d files)",
		len(rows), t.root, entry.Version, len(adds))
	t.maybeCheckpoint(ctx, entry.Version)
	return entry.Version, nil
}

// Overwrite atomically replaces the table's contents with the given
// rows: one commit removes every currently active file and adds the
// replacement files. Readers see either the old table or the new one,
// never a mix. Overwriting with zero rows truncates the table.
func (t *Table) Overwrite(ctx context.Context, rows []types.Row) (uint64, error) {
	snap, err := t.builder.Load(ctx)
	if err != nil {
		return 0, err
	}

	adds, err := t.stage(ctx, snap, rows)
	if err != nil {
		return 0, err
	}
	removes := snap.Files

	if len(adds) == 0 && len(removes) == 0 {
		// Empty overwrite of an empty table.
		return snap.Version, nil
	}

	// A DELETE entry carries the removes (and any adds); overwriting an
	// empty table has nothing to remove and degenerates to an append.
	op := txlog.OpDelete
	if len(removes) == 0 {
		op = txlog.OpAppend
	}

	entry, err := t.committer.Commit(ctx, &txlog.CommitRequest{
		BaseVersion:   snap.Version,
		Op:            op,
		SchemaVersion: snap.Schema.Version,
		Adds:          adds,
		Removes:       removes,
	})
	if err != nil {
		log.Printf("[WARN] table: overwrite of %s failed after staging %d files; vacuum will reclaim them: %v",
			t.root, len(adds), err)
		return 0, err
	}

	log.Printf("table: overwrote %s at version %d (%d rows in, %d files out)",
		t.root, entry.Version, len(rows), len(removes))
	t.maybeCheckpoint(ctx, entry.Version)
	return entry.Version, nil
}

// UpdateSchema commits a backward-compatible schema evolution: existing
// columns may widen INTEGER->DOUBLE or relax to nullable, new columns
// must be nullable, and nothing may be dropped or renamed. The new
// schema's version must be exactly one above the current version.
func (t *Table) UpdateSchema(ctx context.Context, next *types.Schema) (uint64, error) {
	snap, err := t.builder.Load(ctx)
	if err != nil {
		return 0, err
	}

	if err := snap.Schema.CanEvolveTo(next); err != nil {
		return 0, errors.NewSchemaViolation(err.Error())
	}
	if next.Version != snap.Schema.Version+1 {
		return 0, errors.NewSchemaViolation(fmt.Sprintf(
			"schema version must advance from %d to %d, got %d",
			snap.Schema.Version, snap.Schema.Version+1, next.Version))
	}

	entry, err := t.committer.Commit(ctx, &txlog.CommitRequest{
		BaseVersion:      snap.Version,
		Op:               txlog.OpSchemaChange,
		SchemaVersion:    next.Version,
		Schema:           next,
		PartitionColumns: snap.PartitionColumns,
	})
	if err != nil {
		return 0, err
	}

	log.Printf("table: %s schema evolved to v%d at version %d", t.root, next.Version, entry.Version)
	t.maybeCheckpoint(ctx, entry.Version)
	return entry.Version, nil
}

// stage validates a row batch, groups it by partition, writes the data
// files locally, collects per-file statistics, and uploads everything,
// returning the file references for the commit. Local staging files are
// always removed; uploaded objects are only referenced once the caller
// commits.
func (t *Table) stage(ctx context.Context, snap *snapshot.Snapshot, rows []types.Row) ([]txlog.FileRef, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	normalized, err := validateRows(snap.Schema, rows)
	if err != nil {
		return nil, err
	}

	groups := groupByPartition(normalized, snap.Schema, snap.PartitionColumns)
	digestCols := t.digestColumns(snap.Schema)

	var adds []txlog.FileRef
	for _, g := range groups {
		for _, chunk := range splitRows(g.rows, t.cfg.MaxRowsPerFile) {
			ref, err := t.stageFile(ctx, snap, g.values, chunk, digestCols)
			if err != nil {
				return nil, err
			}
			adds = append(adds, *ref)
		}
	}
	return adds, nil
}

// stageFile writes one chunk to a local data file, collects stats, and
// uploads it to its partition directory under the table's data root.
func (t *Table) stageFile(ctx context.Context, snap *snapshot.Snapshot, pv types.PartitionValues, rows []types.Row, digestCols []string) (*txlog.FileRef, error) {
	res, err := datafile.Write(ctx, t.cfg.ScratchDir, snap.Schema, rows)
	if err != nil {
		return nil, errors.NewStorageError("stage data file", err)
	}
	defer func() {
		if rmErr := os.Remove(res.LocalPath); rmErr != nil {
			log.Printf("[WARN] table: scratch cleanup of %s: %v", res.LocalPath, rmErr)
		}
	}()

	colStats, digest, _, statsErr := stats.Collect(snap.Schema, rows, digestCols)
	if statsErr != nil {
		// Degraded statistics only cost pruning efficiency. The file
		// commits either way.
		log.Printf("[WARN] table: %v for %s", statsErr, res.FileName)
	}

	rel := path.Join(txlog.DataDirName, pv.PathPrefix(snap.PartitionColumns)+res.FileName)
	if err := t.store.Upload(ctx, res.LocalPath, t.objectPath(rel)); err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("upload %s", rel), err)
	}

	return &txlog.FileRef{
		Path:            rel,
		PartitionValues: pv,
		RowCount:        res.RowCount,
		ByteSize:        res.ByteSize,
		Stats:           colStats,
		BloomDigest:     digest,
	}, nil
}

// validateRows checks every row against the schema before anything is
// staged and returns normalized copies: values in canonical form, nulls
// explicit. The row index in error messages is the caller's batch
// offset.
func validateRows(schema *types.Schema, rows []types.Row) ([]types.Row, error) {
	out := make([]types.Row, len(rows))
	for i, row := range rows {
		for name := range row {
			if _, ok := schema.Column(name); !ok {
				return nil, errors.NewSchemaViolation(fmt.Sprintf(
					"row %d: unknown column %q", i, name))
			}
		}

		normalized := make(types.Row, len(schema.Columns))
		for _, col := range schema.Columns {
			v, present := row[col.Name]
			if !present || v == nil {
				if !col.Nullable {
					return nil, errors.NewSchemaViolation(fmt.Sprintf(
						"row %d: null value in non-nullable column %q", i, col.Name))
				}
				normalized[col.Name] = nil
				continue
			}
			nv, err := types.Normalize(v, col.Type)
			if err != nil {
				return nil, errors.NewSchemaViolation(fmt.Sprintf(
					"row %d: column %q: %v", i, col.Name, err))
			}
			normalized[col.Name] = nv
		}
		out[i] = normalized
	}
	return out, nil
}

// rowGroup is the rows bound for one partition directory.
type rowGroup struct {
	values types.PartitionValues
	rows   []types.Row
}

// groupByPartition splits normalized rows by their partition tuple,
// preserving first-appearance group order and row order within each
// group. Unpartitioned tables produce a single group.
func groupByPartition(rows []types.Row, schema *types.Schema, partitionCols []string) []*rowGroup {
	if len(partitionCols) == 0 {
		return []*rowGroup{{values: types.PartitionValues{}, rows: rows}}
	}

	var order []string
	byKey := make(map[string]*rowGroup)
	for _, row := range rows {
		pv := make(types.PartitionValues, len(partitionCols))
		for _, col := range partitionCols {
			def, _ := schema.Column(col)
			pv[col] = types.CanonicalString(row[col], def.Type)
		}
		key := pv.Key(partitionCols)
		g, ok := byKey[key]
		if !ok {
			g = &rowGroup{values: pv}
			byKey[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, row)
	}

	groups := make([]*rowGroup, len(order))
	for i, key := range order {
		groups[i] = byKey[key]
	}
	return groups
}

// splitRows chunks rows at the per-file cap.
func splitRows(rows []types.Row, maxRows int) [][]types.Row {
	if maxRows <= 0 || len(rows) <= maxRows {
		return [][]types.Row{rows}
	}
	var chunks [][]types.Row
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
