package txlog

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/storage"
)

// Watermark records how far vacuum has physically deleted history.
// Versions below EarliestIntactVersion can no longer be reconstructed
// because files they reference may be gone; resolving one fails with
// VERSION_EXPIRED.
//
// The watermark only ever advances. Vacuum computes the new value as the
// highest remove-version among files it has deleted, so every version at
// or above it still has its full file set in storage.
type Watermark struct {
	EarliestIntactVersion uint64 `json:"earliestIntactVersion"`
	UpdatedAtMs           int64  `json:"updatedAtMs"`
}

// LoadWatermark reads the table's vacuum watermark. A table that has
// never been vacuumed has no watermark object; that returns (nil, nil)
// and means all versions are intact.
func LoadWatermark(ctx context.Context, store storage.ObjectStorage, tableRoot string) (*Watermark, error) {
	data, err := store.Get(ctx, WatermarkPath(tableRoot))
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, errors.NewStorageError("read vacuum watermark", err)
	}

	var w Watermark
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.NewCorruptLogEntry("malformed vacuum watermark", err)
	}
	return &w, nil
}

// SaveWatermark writes the watermark, refusing to move it backwards.
func SaveWatermark(ctx context.Context, store storage.ObjectStorage, tableRoot string, w *Watermark) error {
	current, err := LoadWatermark(ctx, store, tableRoot)
	if err != nil {
		return err
	}
	if current != nil && w.EarliestIntactVersion < current.EarliestIntactVersion {
		return errors.Newf(errors.ErrCategoryVacuum, errors.CodeVacuumSafetyViolation,
			"watermark would regress from %d to %d",
			current.EarliestIntactVersion, w.EarliestIntactVersion)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return errors.NewInternalError("encode vacuum watermark", err)
	}
	if err := store.Put(ctx, WatermarkPath(tableRoot), data); err != nil {
		return errors.NewStorageError("write vacuum watermark", err)
	}
	return nil
}
