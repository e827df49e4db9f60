// Package table is the user-facing surface of the lake engine. A Table
// handle binds one table root in object storage to the transaction log,
// snapshot builder, and reader registry behind it, and exposes the
// transactional operations: append, overwrite, schema evolution, plan
// queries, history, clone, and drop.
//
// The engine manages metadata and data files; it never executes scans
// itself. Query produces a ScanPlan naming the files an external compute
// engine must read.
package table

import (
	"context"
	"log"
	"path"
	"time"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/stats"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

// DefaultMaxRowsPerFile caps how many rows a single staged data file
// holds before the writer splits the batch.
const DefaultMaxRowsPerFile = 100000

// Config carries the engine settings shared by table handles. Zero
// values select defaults; only Store and ScratchDir are required.
type Config struct {
	// Store is the backing object storage.
	Store storage.ObjectStorage

	// ScratchDir is the local directory for staging data files before
	// upload.
	ScratchDir string

	// MaxRowsPerFile splits append batches into files of at most this
	// many rows. Defaults to DefaultMaxRowsPerFile.
	MaxRowsPerFile int

	// CheckpointInterval is the number of commits between snapshot
	// checkpoints. Defaults to snapshot.DefaultCheckpointInterval.
	CheckpointInterval int

	// CommitRetries bounds rebase attempts on commit conflicts.
	// Defaults to txlog.DefaultMaxRetries.
	CommitRetries int

	// ConflictPolicy decides when concurrent commits conflict.
	// Defaults to partition-level detection.
	ConflictPolicy txlog.ConflictPolicy

	// DigestColumns names the columns indexed in per-file membership
	// digests. Empty selects every non-DOUBLE column.
	DigestColumns []string

	// Registry tracks files pinned by in-process readers. Handles that
	// share a Registry share vacuum visibility; nil creates a private
	// one.
	Registry *snapshot.Registry

	// Now supplies commit timestamps, for tests. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxRowsPerFile <= 0 {
		c.MaxRowsPerFile = DefaultMaxRowsPerFile
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = snapshot.DefaultCheckpointInterval
	}
	if c.Registry == nil {
		c.Registry = snapshot.NewRegistry()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Table is a handle on one lake table. Handles are safe for concurrent
// use; all state lives in object storage.
type Table struct {
	root      string
	cfg       Config
	store     storage.ObjectStorage
	log       *txlog.Log
	committer *txlog.Committer
	builder   *snapshot.Builder
	registry  *snapshot.Registry
}

func newTable(cfg Config, root string) *Table {
	l := txlog.NewLog(cfg.Store, root)
	return &Table{
		root:  root,
		cfg:   cfg,
		store: cfg.Store,
		log:   l,
		committer: txlog.NewCommitter(l, txlog.CommitterOptions{
			Policy:     cfg.ConflictPolicy,
			MaxRetries: cfg.CommitRetries,
			Now:        cfg.Now,
		}),
		builder:  snapshot.NewBuilder(l),
		registry: cfg.Registry,
	}
}

// Create initializes a new table at root with the given schema and
// partition column order, writing its genesis log entry. Partition
// columns must exist in the schema and be non-nullable, since every row
// needs a concrete partition location. Fails with TABLE_EXISTS when the
// root already holds a table.
func Create(ctx context.Context, cfg Config, root string, schema *types.Schema, partitionColumns []string) (*Table, error) {
	cfg = cfg.withDefaults()
	if root == "" {
		return nil, errors.New(errors.ErrCategoryConfig, errors.CodeInvalidConfig, "table root must not be empty")
	}
	if err := schema.Validate(); err != nil {
		return nil, errors.NewSchemaViolation(err.Error())
	}
	for _, col := range partitionColumns {
		def, ok := schema.Column(col)
		if !ok {
			return nil, errors.NewSchemaViolation("partition column " + col + " not in schema")
		}
		if def.Nullable {
			return nil, errors.NewSchemaViolation("partition column " + col + " must be non-nullable")
		}
	}

	genesis := schema
	if genesis.Version == 0 {
		copied := *schema
		copied.Version = 1
		genesis = &copied
	}

	t := newTable(cfg, root)
	if _, err := t.committer.Genesis(ctx, genesis, partitionColumns); err != nil {
		return nil, err
	}
	log.Printf("table: created %s (schema v%d, %d partition columns)",
		root, genesis.Version, len(partitionColumns))
	return t, nil
}

// Open returns a handle on the existing table at root. Fails with
// TABLE_NOT_FOUND when no log exists there.
func Open(ctx context.Context, cfg Config, root string) (*Table, error) {
	cfg = cfg.withDefaults()
	t := newTable(cfg, root)
	ok, err := t.log.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf(errors.ErrCategorySnapshot, errors.CodeTableNotFound,
			"no table at %s", root)
	}
	return t, nil
}

// Root returns the table's root path in storage.
func (t *Table) Root() string { return t.root }

// Registry returns the reader registry this handle consults.
func (t *Table) Registry() *snapshot.Registry { return t.registry }

// Log returns the table's transaction log.
func (t *Table) Log() *txlog.Log { return t.log }

// Version returns the latest committed version.
func (t *Table) Version(ctx context.Context) (uint64, error) {
	return t.builder.Head(ctx)
}

// Snapshot materializes the table's latest state.
func (t *Table) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	return t.builder.Load(ctx)
}

// SnapshotAt materializes the table at an exact version.
func (t *Table) SnapshotAt(ctx context.Context, version uint64) (*snapshot.Snapshot, error) {
	return t.builder.LoadVersion(ctx, version)
}

// objectPath resolves a file path relative to the table root into the
// store-wide object path.
func (t *Table) objectPath(rel string) string {
	return path.Join(t.root, rel)
}

// maybeCheckpoint writes a checkpoint when version lands on the
// interval boundary. Checkpoints are an optimization: failures here are
// logged, never surfaced, because the committed log remains the source
// of truth and a later commit retries at the next boundary.
func (t *Table) maybeCheckpoint(ctx context.Context, version uint64) {
	if !snapshot.ShouldCheckpoint(version, t.cfg.CheckpointInterval) {
		return
	}
	snap, err := t.builder.LoadVersion(ctx, version)
	if err != nil {
		log.Printf("[WARN] table: checkpoint load for %s@%d failed: %v", t.root, version, err)
		return
	}
	if _, err := snapshot.WriteCheckpointIfDue(ctx, t.store, snap, t.cfg.CheckpointInterval); err != nil {
		log.Printf("[WARN] table: checkpoint write for %s@%d failed: %v", t.root, version, err)
	}
}

// digestColumns returns the configured digest column set, defaulting to
// the standard non-DOUBLE set.
func (t *Table) digestColumns(schema *types.Schema) []string {
	if len(t.cfg.DigestColumns) > 0 {
		return t.cfg.DigestColumns
	}
	return stats.DefaultDigestColumns(schema)
}
