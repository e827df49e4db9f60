package table

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

func testTableSchema() *types.Schema {
	return &types.Schema{
		Version: 1,
		Columns: []types.ColumnDef{
			{Name: "txn_id", Type: types.TypeString, Nullable: false},
			{Name: "customer_id", Type: types.TypeInteger, Nullable: false},
			{Name: "amount", Type: types.TypeDouble, Nullable: false},
			{Name: "date", Type: types.TypeString, Nullable: false},
			{Name: "region", Type: types.TypeString, Nullable: false},
		},
	}
}

func txnRow(id string, customer int64, amount float64, date, region string) types.Row {
	return types.Row{
		"txn_id":      id,
		"customer_id": customer,
		"amount":      amount,
		"date":        date,
		"region":      region,
	}
}

// fakeClock hands out strictly increasing timestamps one second apart,
// so commit times are deterministic and distinct.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestConfig(t *testing.T) Config {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	return Config{
		Store:      store,
		ScratchDir: t.TempDir(),
		Now:        newFakeClock().Now,
	}
}

func newTestTable(t *testing.T) (*Table, Config) {
	t.Helper()
	cfg := newTestConfig(t)
	tbl, err := Create(context.Background(), cfg, "tables/transactions", testTableSchema(), []string{"date", "region"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tbl, cfg
}

func TestCreateAndOpen(t *testing.T) {
	ctx := context.Background()
	tbl, cfg := newTestTable(t)

	v, err := tbl.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 0 {
		t.Errorf("new table at version %d, want 0", v)
	}

	opened, err := Open(ctx, cfg, tbl.Root())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap, err := opened.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.Schema.Equal(testTableSchema()) {
		t.Errorf("opened schema mismatch: %+v", snap.Schema)
	}
	if len(snap.PartitionColumns) != 2 || snap.PartitionColumns[0] != "date" || snap.PartitionColumns[1] != "region" {
		t.Errorf("partition columns = %v", snap.PartitionColumns)
	}

	if _, err := Create(ctx, cfg, tbl.Root(), testTableSchema(), nil); errors.GetCode(err) != errors.CodeTableExists {
		t.Errorf("second Create: code = %s, want TABLE_EXISTS", errors.GetCode(err))
	}
	if _, err := Open(ctx, cfg, "tables/no-such-table"); errors.GetCode(err) != errors.CodeTableNotFound {
		t.Errorf("Open missing: code = %s, want TABLE_NOT_FOUND", errors.GetCode(err))
	}
}

func TestCreateRejectsBadPartitionColumns(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	_, err := Create(ctx, cfg, "tables/bad1", testTableSchema(), []string{"no_such_column"})
	if errors.GetCode(err) != errors.CodeSchemaViolation {
		t.Errorf("unknown partition column: code = %s, want SCHEMA_VIOLATION", errors.GetCode(err))
	}

	schema := testTableSchema()
	schema.Columns = append(schema.Columns, types.ColumnDef{Name: "note", Type: types.TypeString, Nullable: true})
	_, err = Create(ctx, cfg, "tables/bad2", schema, []string{"note"})
	if errors.GetCode(err) != errors.CodeSchemaViolation {
		t.Errorf("nullable partition column: code = %s, want SCHEMA_VIOLATION", errors.GetCode(err))
	}
}

func TestCreateAssignsSchemaVersionOne(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	schema := testTableSchema()
	schema.Version = 0
	tbl, err := Create(ctx, cfg, "tables/versionless", schema, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Schema.Version != 1 {
		t.Errorf("genesis schema version = %d, want 1", snap.Schema.Version)
	}
}

func TestCheckpointWrittenOnInterval(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	cfg.CheckpointInterval = 2

	tbl, err := Create(ctx, cfg, "tables/checkpointed", testTableSchema(), []string{"date", "region"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2; i++ {
		rows := []types.Row{txnRow("t-1", 100, 9.99, "2024-03-01", "EU")}
		if _, err := tbl.Append(ctx, rows); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	cpPath := txlog.CheckpointPath(tbl.Root(), 2)
	ok, err := cfg.Store.Exists(ctx, cpPath)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Errorf("no checkpoint at %s after version 2", cpPath)
	}

	// A fresh handle must load through the checkpoint.
	reopened, err := Open(ctx, cfg, tbl.Root())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap, err := reopened.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot after checkpoint: %v", err)
	}
	if snap.Version != 2 || snap.TotalRows() != 2 {
		t.Errorf("snapshot = v%d with %d rows, want v2 with 2", snap.Version, snap.TotalRows())
	}
	if len(snap.PartitionColumns) != 2 {
		t.Errorf("partition columns lost through checkpoint: %v", snap.PartitionColumns)
	}
}

func TestSharedRegistryAcrossHandles(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	cfg.Registry = snapshot.NewRegistry()

	tbl, err := Create(ctx, cfg, "tables/shared", testTableSchema(), []string{"date", "region"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := tbl.Append(ctx, []types.Row{txnRow("t-1", 100, 1.0, "2024-03-01", "EU")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	other, err := Open(ctx, cfg, tbl.Root())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	plan, err := tbl.Query(ctx, ScanRequest{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer plan.Release()

	if len(plan.Files) == 0 {
		t.Fatal("plan has no files")
	}
	if !other.Registry().InUse(plan.Files[0].Path) {
		t.Error("lease from one handle invisible to another sharing the registry")
	}
}
