package table

import (
	"context"
	"testing"
	"time"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/pkg/types"
)

func seedTransactions(t *testing.T, tbl *Table) {
	t.Helper()
	rows := []types.Row{
		txnRow("t-001", 100, 25.50, "2024-03-01", "EU"),
		txnRow("t-002", 150, 17.25, "2024-03-01", "US"),
		txnRow("t-003", 200, 99.00, "2024-03-02", "EU"),
		txnRow("t-004", 250, 45.10, "2024-03-02", "US"),
		txnRow("t-005", 300, 12.75, "2024-03-03", "EU"),
	}
	if _, err := tbl.Append(context.Background(), rows); err != nil {
		t.Fatalf("seed append: %v", err)
	}
}

func TestQueryPlansWholeTable(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)
	seedTransactions(t, tbl)

	plan, err := tbl.Query(ctx, ScanRequest{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer plan.Release()

	if plan.Version != 1 {
		t.Errorf("plan version = %d, want 1", plan.Version)
	}
	if len(plan.Files) != 5 {
		t.Errorf("plan files = %d, want 5 (one per partition)", len(plan.Files))
	}
	if plan.TotalRows() != 5 {
		t.Errorf("plan rows = %d, want 5", plan.TotalRows())
	}
	if plan.Prune.Total != 5 || plan.Prune.PruningRatio != 0 {
		t.Errorf("prune result = %+v, want nothing pruned", plan.Prune)
	}
	if plan.Predicate != "" {
		t.Errorf("predicate = %q, want empty", plan.Predicate)
	}
	if plan.Schema == nil || plan.TableRoot != tbl.Root() {
		t.Errorf("plan metadata incomplete: %+v", plan)
	}
}

func TestQueryPrunesByPartition(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)
	seedTransactions(t, tbl)

	plan, err := tbl.Query(ctx, ScanRequest{Predicate: "date = '2024-03-02'"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer plan.Release()

	if len(plan.Files) != 2 {
		t.Fatalf("plan files = %d, want 2", len(plan.Files))
	}
	for _, f := range plan.Files {
		if f.PartitionValues["date"] != "2024-03-02" {
			t.Errorf("retained file from partition %v", f.PartitionValues)
		}
	}
	if plan.Prune.PartitionPruned != 3 {
		t.Errorf("partition pruned = %d, want 3", plan.Prune.PartitionPruned)
	}
}

func TestQueryPrunesByStats(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)
	seedTransactions(t, tbl)

	// Only t-003 has amount > 50; its file sits alone in its partition.
	plan, err := tbl.Query(ctx, ScanRequest{Predicate: "amount > 50.0"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer plan.Release()

	if len(plan.Files) != 1 {
		t.Fatalf("plan files = %d, want 1", len(plan.Files))
	}
	if plan.Files[0].PartitionValues["date"] != "2024-03-02" || plan.Files[0].PartitionValues["region"] != "EU" {
		t.Errorf("wrong file retained: %v", plan.Files[0].PartitionValues)
	}
	if plan.Prune.StatsPruned == 0 {
		t.Error("expected min/max pruning to discard files")
	}
}

func TestQueryAsOfVersion(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)
	seedTransactions(t, tbl)

	if _, err := tbl.Overwrite(ctx, []types.Row{txnRow("t-900", 999, 1.0, "2024-04-01", "EU")}); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}

	v1 := uint64(1)
	plan, err := tbl.Query(ctx, ScanRequest{AsOfVersion: &v1})
	if err != nil {
		t.Fatalf("Query as of 1: %v", err)
	}
	defer plan.Release()

	if plan.Version != 1 || plan.TotalRows() != 5 {
		t.Errorf("as-of plan = v%d with %d rows, want v1 with 5", plan.Version, plan.TotalRows())
	}

	latest, err := tbl.Query(ctx, ScanRequest{})
	if err != nil {
		t.Fatalf("Query latest: %v", err)
	}
	defer latest.Release()
	if latest.Version != 2 || latest.TotalRows() != 1 {
		t.Errorf("latest plan = v%d with %d rows, want v2 with 1", latest.Version, latest.TotalRows())
	}

	missing := uint64(99)
	if _, err := tbl.Query(ctx, ScanRequest{AsOfVersion: &missing}); errors.GetCode(err) != errors.CodeVersionNotFound {
		t.Errorf("future version: code = %s, want VERSION_NOT_FOUND", errors.GetCode(err))
	}
}

func TestQueryAsOfTimestamp(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)
	seedTransactions(t, tbl)

	v1Snap, err := tbl.SnapshotAt(ctx, 1)
	if err != nil {
		t.Fatalf("SnapshotAt: %v", err)
	}
	if _, err := tbl.Overwrite(ctx, []types.Row{txnRow("t-900", 999, 1.0, "2024-04-01", "EU")}); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}

	// Aim between the two commits: the fake clock spaces them a second
	// apart, so half a second past version 1 resolves to version 1.
	asOf := time.UnixMilli(v1Snap.TimestampMs).Add(500 * time.Millisecond)
	plan, err := tbl.Query(ctx, ScanRequest{AsOfTime: &asOf})
	if err != nil {
		t.Fatalf("Query as of time: %v", err)
	}
	defer plan.Release()
	if plan.Version != 1 {
		t.Errorf("plan version = %d, want 1", plan.Version)
	}

	early := time.UnixMilli(v1Snap.TimestampMs).Add(-time.Hour)
	if _, err := tbl.Query(ctx, ScanRequest{AsOfTime: &early}); errors.GetCode(err) != errors.CodeVersionNotFound {
		t.Errorf("pre-creation timestamp: code = %s, want VERSION_NOT_FOUND", errors.GetCode(err))
	}
}

func TestQueryRejectsAmbiguousAsOf(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)

	v := uint64(0)
	ts := time.Now()
	_, err := tbl.Query(ctx, ScanRequest{AsOfVersion: &v, AsOfTime: &ts})
	if err == nil {
		t.Fatal("both as-of forms accepted")
	}
	if errors.GetCategory(err) != errors.ErrCategoryQuery {
		t.Errorf("category = %s, want QUERY", errors.GetCategory(err))
	}
}

func TestQueryRejectsBadPredicates(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)
	seedTransactions(t, tbl)

	tests := []struct {
		name      string
		predicate string
	}{
		{"syntax error", "amount >"},
		{"unknown column", "velocity > 10"},
		{"uncoercible literal", "customer_id = 'abc'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tbl.Query(ctx, ScanRequest{Predicate: tt.predicate})
			if errors.GetCode(err) != errors.CodeInvalidPredicate {
				t.Errorf("code = %s, want INVALID_PREDICATE", errors.GetCode(err))
			}
		})
	}
}

func TestQueryLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)
	seedTransactions(t, tbl)

	plan, err := tbl.Query(ctx, ScanRequest{Predicate: "region = 'EU'"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	for _, f := range plan.Files {
		if !tbl.Registry().InUse(f.Path) {
			t.Errorf("planned file %s not pinned", f.Path)
		}
	}

	plan.Release()
	plan.Release() // idempotent
	for _, f := range plan.Files {
		if tbl.Registry().InUse(f.Path) {
			t.Errorf("file %s still pinned after release", f.Path)
		}
	}
}

func TestQueryCanonicalizesPredicate(t *testing.T) {
	ctx := context.Background()
	tbl, _ := newTestTable(t)
	seedTransactions(t, tbl)

	plan, err := tbl.Query(ctx, ScanRequest{Predicate: `region == "EU" and amount >= 10`})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer plan.Release()

	want := "(region = 'EU' AND amount >= 10)"
	if plan.Predicate != want {
		t.Errorf("canonical predicate = %q, want %q", plan.Predicate, want)
	}
}
