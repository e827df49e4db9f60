package table

import (
	"context"
	"fmt"
	"testing"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

func TestAppendCommitsRows(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	rows := []types.Row{
		txnRow("t-001", 100, 25.50, "2024-03-01", "EU"),
		txnRow("t-002", 200, 17.25, "2024-03-01", "EU"),
		txnRow("t-003", 300, 99.00, "2024-03-01", "US"),
		txnRow("t-004", 400, 45.10, "2024-03-02", "EU"),
		txnRow("t-005", 500, 12.75, "2024-03-02", "EU"),
	}
	v, err := tbl.Append(ctx, rows)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}

	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.FileCount() != 3 {
		t.Fatalf("file count = %d, want 3 (one per partition)", snap.FileCount())
	}
	if snap.TotalRows() != 5 {
		t.Errorf("total rows = %d, want 5", snap.TotalRows())
	}

	byPartition := snap.FilesByPartition()
	wantGroups := map[string]int64{
		"date=2024-03-01/region=EU": 2,
		"date=2024-03-01/region=US": 1,
		"date=2024-03-02/region=EU": 2,
	}
	for key, wantRows := range wantGroups {
		files := byPartition[key]
		if len(files) != 1 {
			t.Errorf("partition %s: %d files, want 1", key, len(files))
			continue
		}
		f := files[0]
		if f.RowCount != wantRows {
			t.Errorf("partition %s: %d rows, want %d", key, f.RowCount, wantRows)
		}
		if f.ByteSize <= 0 {
			t.Errorf("partition %s: byte size %d", key, f.ByteSize)
		}
		if len(f.Stats) == 0 {
			t.Errorf("partition %s: no stats collected", key)
		}
		if f.BloomDigest == "" {
			t.Errorf("partition %s: no membership digest", key)
		}

		ok, err := tbl.store.Exists(ctx, tbl.objectPath(f.Path))
		if err != nil || !ok {
			t.Errorf("partition %s: data object %s missing (err=%v)", key, f.Path, err)
		}
	}
}

func TestAppendValidatesBeforeStaging(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	rows := []types.Row{
		txnRow("t-001", 100, 25.50, "2024-03-01", "EU"),
		{"txn_id": "t-002", "customer_id": "not-a-number", "amount": 1.0, "date": "2024-03-01", "region": "EU"},
	}
	_, err := tbl.Append(ctx, rows)
	if errors.GetCode(err) != errors.CodeSchemaViolation {
		t.Fatalf("code = %s, want SCHEMA_VIOLATION", errors.GetCode(err))
	}

	// The bad batch must stage nothing: no version advance, no data
	// objects, even for the valid first row.
	v, err := tbl.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 0 {
		t.Errorf("version advanced to %d after rejected batch", v)
	}
	objects, err := tbl.store.List(ctx, txlog.DataDir(tbl.Root()))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("%d data objects staged from a rejected batch", len(objects))
	}
}

func TestAppendRejectsBadRows(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	tests := []struct {
		name string
		row  types.Row
	}{
		{"unknown column", types.Row{
			"txn_id": "t-1", "customer_id": int64(1), "amount": 1.0,
			"date": "2024-03-01", "region": "EU", "surprise": "x",
		}},
		{"null in non-nullable", types.Row{
			"txn_id": "t-1", "customer_id": int64(1), "amount": 1.0,
			"date": nil, "region": "EU",
		}},
		{"missing non-nullable", types.Row{
			"txn_id": "t-1", "customer_id": int64(1), "amount": 1.0,
			"region": "EU",
		}},
		{"mistyped value", types.Row{
			"txn_id": "t-1", "customer_id": int64(1), "amount": "free",
			"date": "2024-03-01", "region": "EU",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tbl.Append(ctx, []types.Row{tt.row})
			if errors.GetCode(err) != errors.CodeSchemaViolation {
				t.Errorf("code = %s, want SCHEMA_VIOLATION", errors.GetCode(err))
			}
		})
	}
}

func TestAppendEmptyBatchIsNoOp(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	v, err := tbl.Append(ctx, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if v != 0 {
		t.Errorf("empty append advanced version to %d", v)
	}
}

func TestAppendSplitsLargeBatches(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	cfg.MaxRowsPerFile = 2

	tbl, err := Create(ctx, cfg, "tables/split", testTableSchema(), []string{"date", "region"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var rows []types.Row
	for i := 0; i < 5; i++ {
		rows = append(rows, txnRow(fmt.Sprintf("t-%03d", i), int64(i), 1.0, "2024-03-01", "EU"))
	}
	if _, err := tbl.Append(ctx, rows); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.FileCount() != 3 {
		t.Fatalf("file count = %d, want 3 (2+2+1 rows)", snap.FileCount())
	}

	counts := make(map[int64]int)
	for _, f := range snap.Files {
		counts[f.RowCount]++
	}
	if counts[2] != 2 || counts[1] != 1 {
		t.Errorf("chunk sizes = %v, want two files of 2 and one of 1", counts)
	}
}

func TestAppendNormalizesValueRepresentations(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	// customer_id arrives as float64 (as JSON decoding produces) and
	// must land as an exact integer in the file statistics.
	row := types.Row{
		"txn_id":      "t-001",
		"customer_id": float64(4200),
		"amount":      10.5,
		"date":        "2024-03-01",
		"region":      "EU",
	}
	if _, err := tbl.Append(ctx, []types.Row{row}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	st, ok := snap.Files[0].Stats["customer_id"]
	if !ok {
		t.Fatal("no customer_id stats")
	}
	if st.Min != int64(4200) || st.Max != int64(4200) {
		t.Errorf("customer_id bounds = %v..%v (%T), want int64 4200", st.Min, st.Max, st.Min)
	}
}

func TestOverwriteReplacesContents(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	initial := []types.Row{
		txnRow("t-001", 100, 1.0, "2024-03-01", "EU"),
		txnRow("t-002", 200, 2.0, "2024-03-01", "US"),
		txnRow("t-003", 300, 3.0, "2024-03-02", "EU"),
		txnRow("t-004", 400, 4.0, "2024-03-02", "US"),
	}
	if _, err := tbl.Append(ctx, initial); err != nil {
		t.Fatalf("Append: %v", err)
	}
	before, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	replacement := []types.Row{
		txnRow("t-101", 900, 9.0, "2024-03-03", "EU"),
		txnRow("t-102", 901, 9.5, "2024-03-03", "EU"),
	}
	v, err := tbl.Overwrite(ctx, replacement)
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}

	after, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if after.TotalRows() != 2 {
		t.Errorf("rows after overwrite = %d, want 2", after.TotalRows())
	}
	for _, old := range before.Files {
		if after.ContainsFile(old.Path) {
			t.Errorf("pre-overwrite file %s still active", old.Path)
		}
	}

	// The old version remains reachable through time travel.
	hist, err := tbl.SnapshotAt(ctx, 1)
	if err != nil {
		t.Fatalf("SnapshotAt(1): %v", err)
	}
	if hist.TotalRows() != 4 {
		t.Errorf("version 1 rows = %d, want 4", hist.TotalRows())
	}
}

func TestOverwriteWithNothingTruncates(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	if _, err := tbl.Append(ctx, []types.Row{txnRow("t-001", 1, 1.0, "2024-03-01", "EU")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := tbl.Overwrite(ctx, nil); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}

	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.FileCount() != 0 {
		t.Errorf("file count after truncate = %d", snap.FileCount())
	}

	// Truncating an already-empty table commits nothing.
	v, err := tbl.Overwrite(ctx, nil)
	if err != nil {
		t.Fatalf("second Overwrite: %v", err)
	}
	if v != snap.Version {
		t.Errorf("empty overwrite of empty table advanced version to %d", v)
	}
}

func TestUpdateSchemaEvolution(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	if _, err := tbl.Append(ctx, []types.Row{txnRow("t-001", 1, 1.0, "2024-03-01", "EU")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	next := testTableSchema()
	next.Version = 2
	next.Columns = append(next.Columns, types.ColumnDef{Name: "note", Type: types.TypeString, Nullable: true})

	v, err := tbl.UpdateSchema(ctx, next)
	if err != nil {
		t.Fatalf("UpdateSchema: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}

	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Schema.Version != 2 {
		t.Errorf("schema version = %d, want 2", snap.Schema.Version)
	}
	if snap.FileCount() != 1 {
		t.Errorf("pre-evolution file dropped: %d files", snap.FileCount())
	}
	if len(snap.PartitionColumns) != 2 {
		t.Errorf("partition columns lost through evolution: %v", snap.PartitionColumns)
	}

	// New rows may use the added column; old rows read as null there.
	row := txnRow("t-002", 2, 2.0, "2024-03-01", "EU")
	row["note"] = "promo"
	if _, err := tbl.Append(ctx, []types.Row{row}); err != nil {
		t.Fatalf("Append under evolved schema: %v", err)
	}
}

func TestUpdateSchemaRejectsIncompatibleChanges(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	dropped := &types.Schema{
		Version: 2,
		Columns: testTableSchema().Columns[1:],
	}
	if _, err := tbl.UpdateSchema(ctx, dropped); errors.GetCode(err) != errors.CodeSchemaViolation {
		t.Errorf("dropped column: code = %s, want SCHEMA_VIOLATION", errors.GetCode(err))
	}

	skipped := testTableSchema()
	skipped.Version = 5
	skipped.Columns = append(skipped.Columns, types.ColumnDef{Name: "note", Type: types.TypeString, Nullable: true})
	if _, err := tbl.UpdateSchema(ctx, skipped); errors.GetCode(err) != errors.CodeSchemaViolation {
		t.Errorf("skipped version: code = %s, want SCHEMA_VIOLATION", errors.GetCode(err))
	}
}

func TestSequentialWritersInterleave(t *testing.T) {
	ctx := context.Background()
	tbl, cfg := newTestTable(t)

	other, err := Open(ctx, cfg, tbl.Root())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := tbl.Append(ctx, []types.Row{txnRow("t-001", 1, 1.0, "2024-03-01", "EU")}); err != nil {
		t.Fatalf("first handle append: %v", err)
	}
	if _, err := other.Append(ctx, []types.Row{txnRow("t-002", 2, 2.0, "2024-03-01", "US")}); err != nil {
		t.Fatalf("second handle append: %v", err)
	}
	v, err := tbl.Append(ctx, []types.Row{txnRow("t-003", 3, 3.0, "2024-03-02", "EU")})
	if err != nil {
		t.Fatalf("third append: %v", err)
	}
	if v != 3 {
		t.Errorf("version = %d, want 3", v)
	}

	snap, err := other.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.TotalRows() != 3 {
		t.Errorf("total rows = %d, want 3", snap.TotalRows())
	}
}
