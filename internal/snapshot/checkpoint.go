package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log"

	"github.com/golang/snappy"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

// DefaultCheckpointInterval is how many commits elapse between
// checkpoints.
const DefaultCheckpointInterval = 10

// Checkpoint is a full materialization of table state at a version,
// stored snappy-compressed so loads replay only the log suffix instead
// of the whole history.
type Checkpoint struct {
	Version          uint64          `json:"version"`
	TimestampMs      int64           `json:"timestamp"`
	SchemaVersion    uint32          `json:"schemaVersion"`
	Schema           *types.Schema   `json:"schema"`
	PartitionColumns []string        `json:"partitionColumns,omitempty"`
	Files            []txlog.FileRef `json:"files"`
}

// lastCheckpointPointer is the content of the _last_checkpoint object.
type lastCheckpointPointer struct {
	Version uint64 `json:"version"`
}

// ShouldCheckpoint reports whether a checkpoint is due at version.
func ShouldCheckpoint(version uint64, interval int) bool {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return version > 0 && version%uint64(interval) == 0
}

// encodeCheckpoint serializes a checkpoint to its compressed form.
func encodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, errors.NewInternalError("encode checkpoint", err)
	}
	return snappy.Encode(nil, raw), nil
}

// decodeCheckpoint parses a compressed checkpoint.
func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.NewCorruptLogEntry("checkpoint decompress failed", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var cp Checkpoint
	if err := dec.Decode(&cp); err != nil {
		return nil, errors.NewCorruptLogEntry("malformed checkpoint JSON", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.NewCorruptLogEntry("trailing data after checkpoint", nil)
	}
	if cp.Schema == nil {
		return nil, errors.NewCorruptLogEntry("checkpoint missing schema", nil)
	}
	return &cp, nil
}

// WriteCheckpoint persists a checkpoint of the snapshot and advances the
// _last_checkpoint pointer. Checkpoint content for a version is
// deterministic, so concurrent writers racing on the same version write
// identical objects and plain Put is safe.
func WriteCheckpoint(ctx context.Context, store storage.ObjectStorage, snap *Snapshot) error {
	cp := &Checkpoint{
		Version:          snap.Version,
		TimestampMs:      snap.TimestampMs,
		SchemaVersion:    snap.Schema.Version,
		Schema:           snap.Schema,
		PartitionColumns: snap.PartitionColumns,
		Files:            snap.Files,
	}
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}

	cpPath := txlog.CheckpointPath(snap.TableRoot, snap.Version)
	if err := store.Put(ctx, cpPath, data); err != nil {
		return errors.NewStorageError("write checkpoint", err)
	}

	pointer, err := json.Marshal(lastCheckpointPointer{Version: snap.Version})
	if err != nil {
		return errors.NewInternalError("encode checkpoint pointer", err)
	}
	if err := store.Put(ctx, txlog.LastCheckpointPath(snap.TableRoot), pointer); err != nil {
		// The checkpoint itself landed; the pointer is an optimization
		// and listing will still find the checkpoint.
		log.Printf("snapshot: checkpoint pointer update failed for %s@%d: %v",
			snap.TableRoot, snap.Version, err)
	}
	return nil
}

// WriteCheckpointIfDue writes a checkpoint when the snapshot's version
// is on the interval boundary. Returns true when one was written.
func WriteCheckpointIfDue(ctx context.Context, store storage.ObjectStorage, snap *Snapshot, interval int) (bool, error) {
	if !ShouldCheckpoint(snap.Version, interval) {
		return false, nil
	}
	if err := WriteCheckpoint(ctx, store, snap); err != nil {
		return false, err
	}
	log.Printf("snapshot: wrote checkpoint for %s at version %d (%d files)",
		snap.TableRoot, snap.Version, len(snap.Files))
	return true, nil
}

// readCheckpoint loads the checkpoint at version.
func readCheckpoint(ctx context.Context, store storage.ObjectStorage, tableRoot string, version uint64) (*Checkpoint, error) {
	data, err := store.Get(ctx, txlog.CheckpointPath(tableRoot, version))
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotFound) {
			return nil, errors.Wrap(errors.ErrCategorySnapshot, errors.CodeVersionNotFound,
				"checkpoint not found", err)
		}
		return nil, errors.NewStorageError("read checkpoint", err)
	}
	return decodeCheckpoint(data)
}

// readLastCheckpointPointer returns the version the pointer names, or
// false when the pointer is absent or unreadable. The pointer is an
// optimization, so damage here falls back to listing.
func readLastCheckpointPointer(ctx context.Context, store storage.ObjectStorage, tableRoot string) (uint64, bool) {
	data, err := store.Get(ctx, txlog.LastCheckpointPath(tableRoot))
	if err != nil {
		return 0, false
	}
	var p lastCheckpointPointer
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("snapshot: ignoring malformed checkpoint pointer for %s: %v", tableRoot, err)
		return 0, false
	}
	return p.Version, true
}
