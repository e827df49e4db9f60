package app

import (
	"context"
	"strings"
	"testing"

	"github.com/arkilian/tidelake/internal/config"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/table"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

func maintSchema() *types.Schema {
	return &types.Schema{
		Version: 1,
		Columns: []types.ColumnDef{
			{Name: "txn_id", Type: types.TypeString, Nullable: false},
			{Name: "customer_id", Type: types.TypeInteger, Nullable: false},
			{Name: "amount", Type: types.TypeDouble, Nullable: false},
			{Name: "date", Type: types.TypeString, Nullable: false},
		},
	}
}

// newMaintSetup builds a resolved config rooted in a temp dir plus the
// storage backend the daemon will share with the seeded tables.
func newMaintSetup(t *testing.T) (*config.Config, storage.ObjectStorage) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Resolve()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store, err := storage.NewLocalStorage(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	return cfg, store
}

// seedFragmentedTable creates a table and appends n single-row commits
// into one partition, leaving n small files for the optimizer.
func seedFragmentedTable(t *testing.T, cfg *config.Config, store storage.ObjectStorage, root string, n int) {
	t.Helper()
	ctx := context.Background()
	tbl, err := table.Create(ctx, table.Config{Store: store, ScratchDir: cfg.ScratchDir},
		root, maintSchema(), []string{"date"})
	if err != nil {
		t.Fatalf("Create %s: %v", root, err)
	}
	for i := 0; i < n; i++ {
		row := types.Row{
			"txn_id":      "t-" + string(rune('a'+i)),
			"customer_id": int64(100 + i),
			"amount":      float64(i) * 9.5,
			"date":        "2024-03-01",
		}
		if _, err := tbl.Append(ctx, []types.Row{row}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
}

func TestDaemonRunOnceCompactsConfiguredTables(t *testing.T) {
	ctx := context.Background()
	cfg, store := newMaintSetup(t)
	cfg.Maintenance.Tables = []config.TableSpec{
		{Root: "sales/transactions", ZOrderBy: []string{"customer_id"}},
	}
	seedFragmentedTable(t, cfg, store, "sales/transactions", 3)

	d := NewDaemon(cfg, store, snapshot.NewRegistry())
	d.RunOnce(ctx)

	tbl, err := table.Open(ctx, table.Config{Store: store, ScratchDir: cfg.ScratchDir}, "sales/transactions")
	if err != nil {
		t.Fatalf("Open after maintenance: %v", err)
	}
	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.FileCount() != 1 {
		t.Errorf("file count after maintenance = %d, want 1", snap.FileCount())
	}
	if snap.TotalRows() != 3 {
		t.Errorf("total rows after maintenance = %d, want 3", snap.TotalRows())
	}

	history, err := tbl.History(ctx, 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history[0].Op != txlog.OpCompact {
		t.Errorf("head operation = %s, want %s", history[0].Op, txlog.OpCompact)
	}

	stats := d.BackpressureStats()
	if stats.FailuresInWindow != 0 {
		t.Errorf("failures in window = %d, want 0", stats.FailuresInWindow)
	}
	if stats.AttemptsInWindow != 2 {
		t.Errorf("attempts in window = %d, want 2 (optimize + vacuum)", stats.AttemptsInWindow)
	}
}

func TestDaemonContinuesPastBrokenTable(t *testing.T) {
	ctx := context.Background()
	cfg, store := newMaintSetup(t)
	cfg.Maintenance.Tables = []config.TableSpec{
		{Root: "sales/missing"},
		{Root: "sales/good"},
	}
	seedFragmentedTable(t, cfg, store, "sales/good", 3)

	d := NewDaemon(cfg, store, snapshot.NewRegistry())
	d.RunOnce(ctx)

	tbl, err := table.Open(ctx, table.Config{Store: store, ScratchDir: cfg.ScratchDir}, "sales/good")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.FileCount() != 1 {
		t.Errorf("good table not compacted: file count = %d, want 1", snap.FileCount())
	}

	stats := d.BackpressureStats()
	if stats.FailuresInWindow != 1 {
		t.Errorf("failures in window = %d, want 1 (missing table)", stats.FailuresInWindow)
	}
	if stats.AttemptsInWindow != 3 {
		t.Errorf("attempts in window = %d, want 3", stats.AttemptsInWindow)
	}
}

func TestDaemonRunTable(t *testing.T) {
	ctx := context.Background()
	cfg, store := newMaintSetup(t)
	cfg.Maintenance.Tables = []config.TableSpec{{Root: "sales/transactions"}}
	seedFragmentedTable(t, cfg, store, "sales/transactions", 3)

	d := NewDaemon(cfg, store, snapshot.NewRegistry())

	if err := d.RunTable(ctx, "sales/transactions"); err != nil {
		t.Fatalf("RunTable: %v", err)
	}

	err := d.RunTable(ctx, "sales/unknown")
	if err == nil || !strings.Contains(err.Error(), "not under maintenance") {
		t.Errorf("RunTable unknown root: err = %v", err)
	}
}

func TestDaemonTables(t *testing.T) {
	cfg, store := newMaintSetup(t)
	cfg.Maintenance.Tables = []config.TableSpec{
		{Root: "gold/daily"},
		{Root: "silver/raw"},
	}
	d := NewDaemon(cfg, store, snapshot.NewRegistry())

	roots := d.Tables()
	if len(roots) != 2 || roots[0] != "gold/daily" || roots[1] != "silver/raw" {
		t.Errorf("Tables() = %v", roots)
	}
}

func TestDaemonStartStop(t *testing.T) {
	ctx := context.Background()
	cfg, store := newMaintSetup(t)

	d := NewDaemon(cfg, store, snapshot.NewRegistry())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Error("second Start should fail while running")
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Errorf("Stop on stopped daemon: %v", err)
	}
}
