package snapshot

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

// Builder loads snapshots of one table. Loads seed from the newest
// usable checkpoint at or below the target version and replay the log
// entries after it; a table with no checkpoints replays from genesis.
type Builder struct {
	log *txlog.Log
}

// NewBuilder creates a snapshot builder over the given log.
func NewBuilder(l *txlog.Log) *Builder {
	return &Builder{log: l}
}

// Head returns the table's latest committed version.
func (b *Builder) Head(ctx context.Context) (uint64, error) {
	head, ok, err := b.log.LatestVersion(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Newf(errors.ErrCategorySnapshot, errors.CodeTableNotFound,
			"no table at %s", b.log.TableRoot())
	}
	return head, nil
}

// Load materializes the latest version.
func (b *Builder) Load(ctx context.Context) (*Snapshot, error) {
	head, err := b.Head(ctx)
	if err != nil {
		return nil, err
	}
	return b.LoadVersion(ctx, head)
}

// LoadVersion materializes the table at an exact version. Versions
// beyond the head fail with VERSION_NOT_FOUND; versions vacuumed out of
// retention fail with VERSION_EXPIRED.
func (b *Builder) LoadVersion(ctx context.Context, version uint64) (*Snapshot, error) {
	head, err := b.Head(ctx)
	if err != nil {
		return nil, err
	}
	if version > head {
		return nil, errors.Newf(errors.ErrCategorySnapshot, errors.CodeVersionNotFound,
			"version %d does not exist (head is %d)", version, head)
	}

	watermark, err := txlog.LoadWatermark(ctx, b.log.Store(), b.log.TableRoot())
	if err != nil {
		return nil, err
	}
	if watermark != nil && version < watermark.EarliestIntactVersion {
		return nil, errors.NewVersionExpired(
			fmt.Sprintf("version %d precedes the vacuum watermark (%d); its files may be deleted",
				version, watermark.EarliestIntactVersion))
	}

	state, replayFrom, err := b.seed(ctx, version)
	if err != nil {
		return nil, err
	}

	for v := replayFrom; v <= version; v++ {
		entry, err := b.log.Read(ctx, v)
		if err != nil {
			if errors.GetCode(err) == errors.CodeVersionNotFound {
				if watermark != nil && v < watermark.EarliestIntactVersion {
					return nil, errors.NewVersionExpired(
						fmt.Sprintf("replay needs vacuumed version %d", v))
				}
				return nil, errors.NewCorruptLogEntry(
					fmt.Sprintf("log has a hole at version %d", v), err)
			}
			return nil, err
		}
		if err := state.apply(entry); err != nil {
			return nil, err
		}
	}

	if state.schema == nil {
		return nil, errors.NewCorruptLogEntry("replay finished without a schema", nil)
	}
	return state.materialize(b.log.TableRoot(), version), nil
}

// LoadTimestamp materializes the newest version whose commit timestamp
// is at or before tsMs. Commit timestamps come from wall clocks and may
// regress between versions; scanning down from the head and taking the
// first hit yields the greatest qualifying version regardless.
func (b *Builder) LoadTimestamp(ctx context.Context, tsMs int64) (*Snapshot, error) {
	head, err := b.Head(ctx)
	if err != nil {
		return nil, err
	}

	for v := head; ; v-- {
		entry, err := b.log.Read(ctx, v)
		if err != nil {
			if errors.GetCode(err) == errors.CodeVersionNotFound {
				// Older entries are vacuumed; the timestamp falls into
				// deleted history.
				return nil, errors.NewVersionExpired(
					fmt.Sprintf("timestamp %d precedes retained history", tsMs))
			}
			return nil, err
		}
		if entry.TimestampMs <= tsMs {
			return b.LoadVersion(ctx, v)
		}
		if v == 0 {
			return nil, errors.Newf(errors.ErrCategorySnapshot, errors.CodeVersionNotFound,
				"timestamp %d precedes table creation", tsMs)
		}
	}
}

// seed finds the newest usable checkpoint at or below target and returns
// the state it captures plus the first version left to replay. Corrupt
// checkpoints are skipped with a warning; replay can always rebuild from
// something older.
func (b *Builder) seed(ctx context.Context, target uint64) (*replayState, uint64, error) {
	if version, ok := readLastCheckpointPointer(ctx, b.log.Store(), b.log.TableRoot()); ok && version <= target {
		cp, err := readCheckpoint(ctx, b.log.Store(), b.log.TableRoot(), version)
		if err == nil {
			return stateFromCheckpoint(cp), cp.Version + 1, nil
		}
		log.Printf("snapshot: checkpoint %d from pointer unusable for %s: %v",
			version, b.log.TableRoot(), err)
	}

	versions, err := b.log.ListCheckpoints(ctx)
	if err != nil {
		return nil, 0, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i] > target {
			continue
		}
		cp, err := readCheckpoint(ctx, b.log.Store(), b.log.TableRoot(), versions[i])
		if err != nil {
			log.Printf("snapshot: skipping unusable checkpoint %d for %s: %v",
				versions[i], b.log.TableRoot(), err)
			continue
		}
		return stateFromCheckpoint(cp), cp.Version + 1, nil
	}

	// No checkpoint: replay the whole log from genesis.
	return newReplayState(), 0, nil
}

// replayState accumulates table state while applying log entries.
type replayState struct {
	schema        *types.Schema
	partitionCols []string
	files         map[string]txlog.FileRef
	timestampMs   int64
}

func newReplayState() *replayState {
	return &replayState{files: make(map[string]txlog.FileRef)}
}

func stateFromCheckpoint(cp *Checkpoint) *replayState {
	state := newReplayState()
	state.schema = cp.Schema
	state.partitionCols = cp.PartitionColumns
	state.timestampMs = cp.TimestampMs
	for _, f := range cp.Files {
		state.files[f.Path] = f
	}
	return state
}

// apply folds one entry into the state. Structural damage (double adds,
// removes of inactive files) fails replay rather than guessing.
func (s *replayState) apply(entry *txlog.Entry) error {
	s.timestampMs = entry.TimestampMs

	if entry.Op == txlog.OpSchemaChange {
		s.schema = entry.Schema
		if len(entry.PartitionColumns) > 0 {
			s.partitionCols = entry.PartitionColumns
		}
		return nil
	}

	if s.schema != nil && entry.SchemaVersion != s.schema.Version {
		log.Printf("[WARN] snapshot: entry %d committed against schema version %d, current is %d",
			entry.Version, entry.SchemaVersion, s.schema.Version)
	}

	for i := range entry.Removes {
		path := entry.Removes[i].Path
		if _, ok := s.files[path]; !ok {
			return errors.NewCorruptLogEntry(
				fmt.Sprintf("version %d removes inactive file %s", entry.Version, path), nil)
		}
		delete(s.files, path)
	}
	for i := range entry.Adds {
		path := entry.Adds[i].Path
		if _, ok := s.files[path]; ok {
			return errors.NewCorruptLogEntry(
				fmt.Sprintf("version %d adds already-active file %s", entry.Version, path), nil)
		}
		s.files[path] = entry.Adds[i]
	}
	return nil
}

// materialize freezes the state into a Snapshot with a deterministic
// file order.
func (s *replayState) materialize(tableRoot string, version uint64) *Snapshot {
	files := make([]txlog.FileRef, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return &Snapshot{
		TableRoot:        tableRoot,
		Version:          version,
		TimestampMs:      s.timestampMs,
		Schema:           s.schema,
		PartitionColumns: s.partitionCols,
		Files:            files,
	}
}
