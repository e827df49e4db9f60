package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

func testSchema() *types.Schema {
	return &types.Schema{
		Version: 1,
		Columns: []types.ColumnDef{
			{Name: "txn_id", Type: types.TypeString, Nullable: false},
			{Name: "amount", Type: types.TypeDouble, Nullable: false},
			{Name: "date", Type: types.TypeString, Nullable: false},
		},
	}
}

func ref(path, date string, rows int64) txlog.FileRef {
	return txlog.FileRef{
		Path:            path,
		PartitionValues: types.PartitionValues{"date": date},
		RowCount:        rows,
		ByteSize:        rows * 64,
	}
}

// testTable wires a log, committer, and builder over local storage with
// a deterministic clock.
type testTable struct {
	store *storage.LocalStorage
	log   *txlog.Log
	cmt   *txlog.Committer
	bld   *Builder
	nowMs int64
}

func newTestTable(t *testing.T) *testTable {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	tbl := &testTable{store: store, nowMs: 1000}
	tbl.log = txlog.NewLog(store, "tables/orders")
	tbl.cmt = txlog.NewCommitter(tbl.log, txlog.CommitterOptions{
		Backoff: func(int) time.Duration { return 0 },
		Now:     func() time.Time { return time.UnixMilli(tbl.nowMs) },
	})
	tbl.bld = NewBuilder(tbl.log)
	return tbl
}

func (tb *testTable) genesis(t *testing.T) {
	t.Helper()
	if _, err := tb.cmt.Genesis(context.Background(), testSchema(), nil); err != nil {
		t.Fatalf("Genesis: %v", err)
	}
}

func (tb *testTable) commit(t *testing.T, req *txlog.CommitRequest) *txlog.Entry {
	t.Helper()
	entry, err := tb.cmt.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return entry
}

func (tb *testTable) append(t *testing.T, base uint64, files ...txlog.FileRef) *txlog.Entry {
	t.Helper()
	return tb.commit(t, &txlog.CommitRequest{
		BaseVersion:   base,
		Op:            txlog.OpAppend,
		SchemaVersion: 1,
		Adds:          files,
	})
}

func paths(snap *Snapshot) []string {
	out := make([]string, len(snap.Files))
	for i, f := range snap.Files {
		out[i] = f.Path
	}
	return out
}

func TestLoadReplaysLog(t *testing.T) {
	tb := newTestTable(t)
	ctx := context.Background()
	tb.genesis(t)

	tb.append(t, 0, ref("data/a1.db", "2024-01-01", 100))
	tb.append(t, 1, ref("data/a2.db", "2024-01-01", 200), ref("data/b1.db", "2024-01-02", 50))
	tb.commit(t, &txlog.CommitRequest{
		BaseVersion:   2,
		Op:            txlog.OpCompact,
		SchemaVersion: 1,
		Adds:          []txlog.FileRef{ref("data/a-merged.db", "2024-01-01", 300)},
		Removes:       []txlog.FileRef{ref("data/a1.db", "2024-01-01", 100), ref("data/a2.db", "2024-01-01", 200)},
	})

	snap, err := tb.bld.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Version != 3 {
		t.Errorf("version = %d, want 3", snap.Version)
	}
	got := paths(snap)
	want := []string{"data/a-merged.db", "data/b1.db"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("active files = %v, want %v", got, want)
	}
	if snap.TotalRows() != 350 {
		t.Errorf("TotalRows = %d, want 350", snap.TotalRows())
	}
	if !snap.ContainsFile("data/b1.db") || snap.ContainsFile("data/a1.db") {
		t.Error("ContainsFile answers are wrong")
	}
}

func TestLoadVersionTimeTravel(t *testing.T) {
	tb := newTestTable(t)
	ctx := context.Background()
	tb.genesis(t)
	tb.append(t, 0, ref("data/a1.db", "2024-01-01", 100))
	tb.append(t, 1, ref("data/a2.db", "2024-01-01", 200))

	v1, err := tb.bld.LoadVersion(ctx, 1)
	if err != nil {
		t.Fatalf("LoadVersion(1): %v", err)
	}
	if len(v1.Files) != 1 || v1.Files[0].Path != "data/a1.db" {
		t.Errorf("v1 files = %v", paths(v1))
	}

	v0, err := tb.bld.LoadVersion(ctx, 0)
	if err != nil {
		t.Fatalf("LoadVersion(0): %v", err)
	}
	if len(v0.Files) != 0 || v0.Schema == nil {
		t.Errorf("genesis snapshot = %+v", v0)
	}

	_, err = tb.bld.LoadVersion(ctx, 99)
	if errors.GetCode(err) != errors.CodeVersionNotFound {
		t.Errorf("future version: code = %s, want VERSION_NOT_FOUND", errors.GetCode(err))
	}
}

func TestLoadMissingTable(t *testing.T) {
	tb := newTestTable(t)
	_, err := tb.bld.Load(context.Background())
	if errors.GetCode(err) != errors.CodeTableNotFound {
		t.Errorf("code = %s, want TABLE_NOT_FOUND", errors.GetCode(err))
	}
}

func TestLoadTimestampPicksGreatestQualifyingVersion(t *testing.T) {
	tb := newTestTable(t)
	ctx := context.Background()

	tb.nowMs = 1000
	tb.genesis(t)
	tb.nowMs = 3000
	tb.append(t, 0, ref("data/a1.db", "2024-01-01", 100))
	tb.nowMs = 2000 // wall clock regressed between commits
	tb.append(t, 1, ref("data/a2.db", "2024-01-01", 200))

	snap, err := tb.bld.LoadTimestamp(ctx, 2500)
	if err != nil {
		t.Fatalf("LoadTimestamp: %v", err)
	}
	// Version 2 has ts 2000 <= 2500 and is the greatest such version,
	// even though version 1's timestamp (3000) is later.
	if snap.Version != 2 {
		t.Errorf("version = %d, want 2", snap.Version)
	}

	snap, err = tb.bld.LoadTimestamp(ctx, 1000)
	if err != nil {
		t.Fatalf("LoadTimestamp(1000): %v", err)
	}
	if snap.Version != 0 {
		t.Errorf("version = %d, want 0", snap.Version)
	}

	_, err = tb.bld.LoadTimestamp(ctx, 999)
	if errors.GetCode(err) != errors.CodeVersionNotFound {
		t.Errorf("pre-creation timestamp: code = %s, want VERSION_NOT_FOUND", errors.GetCode(err))
	}
}

func TestLoadSeedsFromCheckpoint(t *testing.T) {
	tb := newTestTable(t)
	ctx := context.Background()
	tb.genesis(t)

	for v := uint64(0); v < 12; v++ {
		tb.append(t, v, ref(pathForVersion(v), "2024-01-01", 10))
		if snap, err := tb.bld.LoadVersion(ctx, v+1); err != nil {
			t.Fatalf("LoadVersion(%d): %v", v+1, err)
		} else if _, err := WriteCheckpointIfDue(ctx, tb.store, snap, 10); err != nil {
			t.Fatalf("WriteCheckpointIfDue: %v", err)
		}
	}

	// Simulate vacuumed history: entries 0..9 are gone, checkpoint at 10
	// carries the state, watermark says versions below 10 are expired.
	for v := uint64(0); v < 10; v++ {
		if err := tb.store.Delete(ctx, txlog.EntryPath("tables/orders", v)); err != nil {
			t.Fatalf("Delete entry %d: %v", v, err)
		}
	}
	if err := txlog.SaveWatermark(ctx, tb.store, "tables/orders", &txlog.Watermark{
		EarliestIntactVersion: 10,
		UpdatedAtMs:           tb.nowMs,
	}); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}

	snap, err := tb.bld.Load(ctx)
	if err != nil {
		t.Fatalf("Load after vacuum: %v", err)
	}
	if snap.Version != 12 || len(snap.Files) != 12 {
		t.Errorf("snapshot = v%d with %d files, want v12 with 12", snap.Version, len(snap.Files))
	}

	_, err = tb.bld.LoadVersion(ctx, 5)
	if errors.GetCode(err) != errors.CodeVersionExpired {
		t.Errorf("expired version: code = %s, want VERSION_EXPIRED", errors.GetCode(err))
	}
}

func pathForVersion(v uint64) string {
	return "data/part-" + string(rune('a'+v)) + ".db"
}

func TestLoadFailsOnLogHole(t *testing.T) {
	tb := newTestTable(t)
	ctx := context.Background()
	tb.genesis(t)
	tb.append(t, 0, ref("data/a1.db", "2024-01-01", 100))
	tb.append(t, 1, ref("data/a2.db", "2024-01-01", 200))

	// No watermark: a missing middle entry is damage, not retention.
	if err := tb.store.Delete(ctx, txlog.EntryPath("tables/orders", 1)); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, err := tb.bld.Load(ctx)
	if errors.GetCode(err) != errors.CodeCorruptLogEntry {
		t.Errorf("code = %s, want CORRUPT_LOG_ENTRY", errors.GetCode(err))
	}
}

func TestLoadFailsOnRemoveOfInactiveFile(t *testing.T) {
	tb := newTestTable(t)
	ctx := context.Background()
	tb.genesis(t)
	tb.append(t, 0, ref("data/a1.db", "2024-01-01", 100))

	// Hand-craft a DELETE naming a file that was never active.
	bad := &txlog.Entry{
		Version:       2,
		TimestampMs:   5000,
		Op:            txlog.OpDelete,
		SchemaVersion: 1,
		Removes:       []txlog.FileRef{ref("data/ghost.db", "2024-01-01", 1)},
	}
	data, err := bad.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := tb.store.Put(ctx, txlog.EntryPath("tables/orders", 2), data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err = tb.bld.Load(ctx)
	if errors.GetCode(err) != errors.CodeCorruptLogEntry {
		t.Errorf("code = %s, want CORRUPT_LOG_ENTRY", errors.GetCode(err))
	}
}

func TestSchemaChangeVisibleInSnapshot(t *testing.T) {
	tb := newTestTable(t)
	ctx := context.Background()
	tb.genesis(t)
	tb.append(t, 0, ref("data/a1.db", "2024-01-01", 100))

	evolved := testSchema()
	evolved.Version = 2
	evolved.Columns = append(evolved.Columns, types.ColumnDef{
		Name: "notes", Type: types.TypeString, Nullable: true,
	})
	tb.commit(t, &txlog.CommitRequest{
		BaseVersion:   1,
		Op:            txlog.OpSchemaChange,
		SchemaVersion: 2,
		Schema:        evolved,
	})

	snap, err := tb.bld.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Schema.Version != 2 || len(snap.Schema.Columns) != 4 {
		t.Errorf("schema = v%d with %d columns", snap.Schema.Version, len(snap.Schema.Columns))
	}
	// Files appended under the old schema remain active.
	if len(snap.Files) != 1 {
		t.Errorf("files = %v", paths(snap))
	}

	old, err := tb.bld.LoadVersion(ctx, 1)
	if err != nil {
		t.Fatalf("LoadVersion(1): %v", err)
	}
	if old.Schema.Version != 1 {
		t.Errorf("old snapshot schema = v%d, want 1", old.Schema.Version)
	}
}
