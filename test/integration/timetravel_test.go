package integration

import (
	"context"
	"path"
	"sort"
	"testing"

	"github.com/arkilian/tidelake/internal/compact"
	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/table"
	"github.com/arkilian/tidelake/pkg/types"
)

func planPaths(plan *table.ScanPlan) []string {
	paths := make([]string, len(plan.Files))
	for i, f := range plan.Files {
		paths[i] = f.Path
	}
	sort.Strings(paths)
	return paths
}

// Compaction rewrites layout without disturbing either current queries
// or time travel; vacuum is what finally retires the old layout.
func TestTimeTravelAcrossCompactionAndVacuum(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	cfg := table.Config{
		Store:      store,
		ScratchDir: t.TempDir(),
		Registry:   snapshot.NewRegistry(),
		// One row per file to make the physical layout explicit.
		MaxRowsPerFile: 1,
		Now:            newTestClock().Now,
	}

	tbl, err := table.Create(ctx, cfg, "events/clicks", transactionSchema(), []string{"date"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Version 1: three files under date=2024-01-01.
	dayOne := []types.Row{
		txn("t-001", 1, "purchase", 10, "2024-01-01", "EU"),
		txn("t-002", 2, "purchase", 20, "2024-01-01", "EU"),
		txn("t-003", 3, "purchase", 30, "2024-01-01", "EU"),
	}
	if v, err := tbl.Append(ctx, dayOne); err != nil || v != 1 {
		t.Fatalf("Append day one: version %d, err %v", v, err)
	}
	// Version 2: two files under date=2024-01-02.
	dayTwo := []types.Row{
		txn("t-004", 4, "refund", 40, "2024-01-02", "EU"),
		txn("t-005", 5, "refund", 50, "2024-01-02", "EU"),
	}
	if v, err := tbl.Append(ctx, dayTwo); err != nil || v != 2 {
		t.Fatalf("Append day two: version %d, err %v", v, err)
	}

	plan, err := tbl.Query(ctx, table.ScanRequest{Predicate: "date = '2024-01-01'"})
	if err != nil {
		t.Fatalf("Query day one: %v", err)
	}
	if len(plan.Files) != 3 {
		t.Fatalf("day-one plan has %d files, want 3", len(plan.Files))
	}
	originalPaths := planPaths(plan)
	plan.Release()

	// Version 3: compact only the day-one partition. The one-row cap
	// above shaped the incoming layout; the rewrite gets a real cap so
	// it can actually merge.
	rep, err := tbl.Optimize(ctx, compact.Options{
		Scope:          types.PartitionValues{"date": "2024-01-01"},
		MaxRowsPerFile: 100000,
	})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if rep.Version != 3 || rep.GroupsCompacted != 1 || rep.FilesIn != 3 || rep.FilesOut != 1 {
		t.Fatalf("compaction report = %+v, want one group 3 -> 1 at version 3", rep)
	}

	// The head now reads one file for day one.
	plan, err = tbl.Query(ctx, table.ScanRequest{Predicate: "date = '2024-01-01'"})
	if err != nil {
		t.Fatalf("Query after compaction: %v", err)
	}
	if len(plan.Files) != 1 || plan.TotalRows() != 3 {
		t.Errorf("post-compaction plan = %d files, %d rows; want 1 and 3", len(plan.Files), plan.TotalRows())
	}
	plan.Release()

	// Time travel to version 1 still reads the original three files.
	v1 := uint64(1)
	plan, err = tbl.Query(ctx, table.ScanRequest{Predicate: "date = '2024-01-01'", AsOfVersion: &v1})
	if err != nil {
		t.Fatalf("Query as of v1: %v", err)
	}
	gotPaths := planPaths(plan)
	plan.Release()
	if len(gotPaths) != 3 {
		t.Fatalf("as-of plan has %d files, want 3", len(gotPaths))
	}
	for i := range gotPaths {
		if gotPaths[i] != originalPaths[i] {
			t.Errorf("as-of file %d = %s, want %s", i, gotPaths[i], originalPaths[i])
		}
	}
	for _, p := range originalPaths {
		if ok, _ := store.Exists(ctx, path.Join(tbl.Root(), p)); !ok {
			t.Errorf("pre-compaction file %s deleted before vacuum", p)
		}
	}

	// Zero-retention vacuum retires the pre-compaction files and only
	// those: the compacted file and the day-two files survive.
	vrep, err := tbl.Vacuum(ctx, 0)
	if err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if len(vrep.Violations) != 0 {
		t.Fatalf("vacuum violations: %v", vrep.Violations)
	}
	if vrep.FilesDeleted != 3 {
		t.Errorf("vacuum deleted %d files, want 3", vrep.FilesDeleted)
	}
	for _, p := range originalPaths {
		if ok, _ := store.Exists(ctx, path.Join(tbl.Root(), p)); ok {
			t.Errorf("pre-compaction file %s survived vacuum", p)
		}
	}
	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.FileCount() != 3 || snap.TotalRows() != 5 {
		t.Errorf("head = %d files, %d rows; want 3 files and 5 rows", snap.FileCount(), snap.TotalRows())
	}
	for _, f := range snap.Files {
		if ok, _ := store.Exists(ctx, path.Join(tbl.Root(), f.Path)); !ok {
			t.Errorf("active file %s missing after vacuum", f.Path)
		}
	}

	// The vacuumed-out version is now a clean refusal, not a broken read.
	if _, err := tbl.Query(ctx, table.ScanRequest{AsOfVersion: &v1}); errors.GetCode(err) != errors.CodeVersionExpired {
		t.Errorf("as-of v1 after vacuum: code = %s, want VERSION_EXPIRED", errors.GetCode(err))
	}
	if vrep.EarliestIntactVersion != 3 {
		t.Errorf("earliest intact version = %d, want 3", vrep.EarliestIntactVersion)
	}
}
