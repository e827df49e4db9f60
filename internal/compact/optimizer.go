package compact

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/tidelake/internal/datafile"
	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/stats"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

// DefaultFetchConcurrency bounds parallel source-file downloads.
const DefaultFetchConcurrency = 4

// Config carries the fixed wiring for an Optimizer. Zero values select
// defaults; only ScratchDir is required.
type Config struct {
	// ScratchDir is the local directory for downloaded sources and
	// rewritten files awaiting upload.
	ScratchDir string

	// CommitRetries bounds rebase attempts per group commit.
	CommitRetries int

	// Policy decides commit conflicts. Defaults to PartitionPolicy,
	// which backs off whenever anything touched a partition mid-rewrite.
	Policy txlog.ConflictPolicy

	// FetchConcurrency bounds parallel downloads. Defaults to
	// DefaultFetchConcurrency.
	FetchConcurrency int

	// Now supplies commit timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Options selects what a single optimize run rewrites and how.
type Options struct {
	// Scope restricts the run to partitions matching these values.
	// Empty means the whole table.
	Scope types.PartitionValues

	// ZOrderBy clusters rewritten rows by the interleaved-bit key over
	// these columns. Empty keeps source row order.
	ZOrderBy []string

	// SmallFileBytes is the fragment threshold. Defaults to
	// DefaultSmallFileBytes.
	SmallFileBytes int64

	// MaxFilesPerPartition triggers a full-partition rewrite when
	// exceeded. Defaults to DefaultMaxFilesPerPartition.
	MaxFilesPerPartition int

	// TargetFileBytes sizes rewritten files. Defaults to
	// DefaultTargetFileBytes.
	TargetFileBytes int64

	// MaxRowsPerFile caps rows per rewritten file regardless of size.
	// Zero means no cap.
	MaxRowsPerFile int

	// DigestColumns overrides the membership digest column set for
	// rewritten files. Defaults to every non-DOUBLE column.
	DigestColumns []string
}

// Report summarizes one optimize run.
type Report struct {
	// BaseVersion is the snapshot the run planned against.
	BaseVersion uint64

	// Version is the table version after the run's last commit. Equals
	// BaseVersion when nothing was rewritten.
	Version uint64

	GroupsPlanned   int
	GroupsCompacted int

	// GroupsSkipped counts groups abandoned because a concurrent commit
	// touched their partition mid-rewrite. Their uploaded files are
	// orphans; vacuum reclaims them.
	GroupsSkipped int

	FilesIn       int
	FilesOut      int
	RowsRewritten int64
	BytesIn       int64
	BytesOut      int64
}

// Optimizer rewrites fragmented partitions into fewer, larger files.
// Each group commits separately, so one contested partition never rolls
// back work on the others. Not safe for concurrent use.
type Optimizer struct {
	log       *txlog.Log
	store     storage.ObjectStorage
	builder   *snapshot.Builder
	committer *txlog.Committer
	scratch   string
	fetchConc int
}

// NewOptimizer creates an optimizer over the given table log.
func NewOptimizer(l *txlog.Log, cfg Config) *Optimizer {
	fetchConc := cfg.FetchConcurrency
	if fetchConc <= 0 {
		fetchConc = DefaultFetchConcurrency
	}
	return &Optimizer{
		log:     l,
		store:   l.Store(),
		builder: snapshot.NewBuilder(l),
		committer: txlog.NewCommitter(l, txlog.CommitterOptions{
			Policy:     cfg.Policy,
			MaxRetries: cfg.CommitRetries,
			Now:        cfg.Now,
		}),
		scratch:   cfg.ScratchDir,
		fetchConc: fetchConc,
	}
}

// Run plans and executes one optimize pass against the table's latest
// snapshot. Every rewritten group is checksum-verified against its
// sources before its COMPACT entry commits; a verification failure
// aborts the run with nothing committed for that group.
func (o *Optimizer) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.SmallFileBytes <= 0 {
		opts.SmallFileBytes = DefaultSmallFileBytes
	}
	if opts.MaxFilesPerPartition <= 0 {
		opts.MaxFilesPerPartition = DefaultMaxFilesPerPartition
	}
	if opts.TargetFileBytes <= 0 {
		opts.TargetFileBytes = DefaultTargetFileBytes
	}

	snap, err := o.builder.Load(ctx)
	if err != nil {
		return nil, err
	}
	for col := range opts.Scope {
		if !contains(snap.PartitionColumns, col) {
			return nil, errors.Newf(errors.ErrCategoryConfig, errors.CodeInvalidConfig,
				"scope column %q is not a partition column", col)
		}
	}

	var keyer *zorderKeyer
	if len(opts.ZOrderBy) > 0 {
		if keyer, err = newZOrderKeyer(snap.Schema, opts.ZOrderBy); err != nil {
			return nil, err
		}
	}

	report := &Report{BaseVersion: snap.Version, Version: snap.Version}
	groups := planGroups(snap, opts.Scope, opts.SmallFileBytes, opts.MaxFilesPerPartition)
	report.GroupsPlanned = len(groups)
	if len(groups) == 0 {
		return report, nil
	}
	log.Printf("compact: %s@%d: %d partition group(s) selected for rewrite",
		o.log.TableRoot(), snap.Version, len(groups))

	fetcher := storage.NewFetcher(o.store, o.fetchConc, filepath.Join(o.scratch, "sources"))
	digestCols := opts.DigestColumns
	if len(digestCols) == 0 {
		digestCols = stats.DefaultDigestColumns(snap.Schema)
	}

	base := snap.Version
	for i := range groups {
		g := &groups[i]
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		adds, rows, bytesOut, err := o.rewriteGroup(ctx, fetcher, snap, g, keyer, opts, digestCols)
		if err != nil {
			return report, err
		}

		entry, err := o.committer.Commit(ctx, &txlog.CommitRequest{
			BaseVersion:   base,
			Op:            txlog.OpCompact,
			SchemaVersion: snap.Schema.Version,
			Adds:          adds,
			Removes:       g.Files,
		})
		if err != nil {
			if errors.GetCode(err) == errors.CodeConcurrentModification {
				log.Printf("[WARN] compact: partition %s contested, leaving it as is: %v", g.Key, err)
				report.GroupsSkipped++
				continue
			}
			return report, err
		}

		base = entry.Version
		report.Version = entry.Version
		report.GroupsCompacted++
		report.FilesIn += len(g.Files)
		report.FilesOut += len(adds)
		report.RowsRewritten += rows
		report.BytesIn += g.totalBytes()
		report.BytesOut += bytesOut
		log.Printf("compact: partition %s: %d file(s) -> %d (%d rows, %s) at version %d",
			g.Key, len(g.Files), len(adds), rows, g.Reason, entry.Version)
	}
	return report, nil
}

// rewriteGroup downloads a group's sources, rewrites their rows into
// target-size files, verifies the row multiset survived, and uploads
// the results. Nothing is uploaded unless verification passes.
func (o *Optimizer) rewriteGroup(ctx context.Context, fetcher *storage.Fetcher, snap *snapshot.Snapshot,
	g *Group, keyer *zorderKeyer, opts Options, digestCols []string) ([]txlog.FileRef, int64, int64, error) {

	objectPaths := make([]string, len(g.Files))
	for i := range g.Files {
		objectPaths[i] = path.Join(o.log.TableRoot(), g.Files[i].Path)
	}
	fetched, err := fetcher.Fetch(ctx, objectPaths)
	if err != nil {
		return nil, 0, 0, err
	}
	for _, p := range objectPaths {
		if ferr, failed := fetched.Errors[p]; failed {
			return nil, 0, 0, errors.NewStorageError(fmt.Sprintf("fetch %s", p), ferr)
		}
	}

	var (
		rows  []types.Row
		inSum multisetChecksum
	)
	for _, p := range objectPaths {
		fileRows, err := datafile.ReadAll(ctx, fetched.LocalPaths[p], snap.Schema)
		if err != nil {
			return nil, 0, 0, errors.NewStorageError("read compaction source", err)
		}
		for _, row := range fileRows {
			inSum.addRow(snap.Schema, row)
		}
		rows = append(rows, fileRows...)
	}
	if keyer != nil {
		sortByZOrder(rows, keyer)
	}

	workDir := filepath.Join(o.scratch, fmt.Sprintf("rewrite_%s", uuid.New().String()[:8]))
	defer os.RemoveAll(workDir)

	var (
		results []*datafile.WriteResult
		refs    []txlog.FileRef
		outSum  multisetChecksum
	)
	perFile := rowsPerFile(g.totalBytes(), int64(len(rows)), opts.TargetFileBytes, opts.MaxRowsPerFile)
	for start := 0; start < len(rows); start += perFile {
		end := start + perFile
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		res, err := datafile.Write(ctx, workDir, snap.Schema, chunk)
		if err != nil {
			return nil, 0, 0, errors.NewInternalError("stage rewritten file", err)
		}
		colStats, digest, _, statsErr := stats.Collect(snap.Schema, chunk, digestCols)
		if statsErr != nil {
			log.Printf("[WARN] compact: statistics degraded for %s: %v", res.FileName, statsErr)
		}

		// Verify from the staged bytes, not the in-memory chunk: the
		// checksum must cover what readers will actually see.
		written, err := datafile.ReadAll(ctx, res.LocalPath, snap.Schema)
		if err != nil {
			return nil, 0, 0, errors.NewInternalError("re-read rewritten file", err)
		}
		for _, row := range written {
			outSum.addRow(snap.Schema, row)
		}

		results = append(results, res)
		refs = append(refs, txlog.FileRef{
			Path:            path.Join(txlog.DataDirName, g.Partition.PathPrefix(snap.PartitionColumns)+res.FileName),
			PartitionValues: g.Partition,
			RowCount:        res.RowCount,
			ByteSize:        res.ByteSize,
			Stats:           colStats,
			BloomDigest:     digest,
		})
	}

	if !inSum.equal(&outSum) {
		return nil, 0, 0, errors.NewInternalError(
			fmt.Sprintf("rewrite of partition %s changed the row multiset (%s -> %s); no files uploaded",
				g.Key, inSum.String(), outSum.String()), nil)
	}

	var bytesOut int64
	for i, res := range results {
		if err := o.store.Upload(ctx, res.LocalPath, path.Join(o.log.TableRoot(), refs[i].Path)); err != nil {
			return nil, 0, 0, errors.NewStorageError(fmt.Sprintf("upload %s", refs[i].Path), err)
		}
		bytesOut += res.ByteSize
	}
	return refs, int64(len(rows)), bytesOut, nil
}

// sortByZOrder orders rows by their interleaved clustering key. Keys are
// computed once up front; ties keep their input order.
func sortByZOrder(rows []types.Row, keyer *zorderKeyer) {
	keys := make([][]byte, len(rows))
	for i, row := range rows {
		keys[i] = keyer.key(row)
	}
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return keyer.less(keys[idx[a]], keys[idx[b]]) })

	sorted := make([]types.Row, len(rows))
	for i, j := range idx {
		sorted[i] = rows[j]
	}
	copy(rows, sorted)
}

// rowsPerFile derives the per-file row budget from the group's observed
// bytes-per-row, aiming rewritten files at targetBytes.
func rowsPerFile(totalBytes, totalRows, targetBytes int64, maxRows int) int {
	if totalRows <= 0 {
		return 1
	}
	avg := totalBytes / totalRows
	if avg <= 0 {
		avg = 1
	}
	n := targetBytes / avg
	if n < 1 {
		n = 1
	}
	if maxRows > 0 && n > int64(maxRows) {
		n = int64(maxRows)
	}
	return int(n)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
