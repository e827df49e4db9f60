package compact

import (
	"fmt"
	"testing"

	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/pkg/types"
)

func plannerFile(date, region string, n int, size int64) txlog.FileRef {
	pv := types.PartitionValues{"date": date, "region": region}
	return txlog.FileRef{
		Path:            fmt.Sprintf("data/date=%s/region=%s/part-%d.db", date, region, n),
		PartitionValues: pv,
		RowCount:        10,
		ByteSize:        size,
	}
}

func plannerSnapshot(files ...txlog.FileRef) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		TableRoot:        "tables/transactions",
		Version:          3,
		Schema:           clusteringSchema(),
		PartitionColumns: []string{"date", "region"},
		Files:            files,
	}
}

func TestPlanGroupsSelectsSmallFileFragments(t *testing.T) {
	snap := plannerSnapshot(
		plannerFile("2024-03-01", "EU", 1, 100),
		plannerFile("2024-03-01", "EU", 2, 200),
		plannerFile("2024-03-01", "EU", 3, 1<<30),
		plannerFile("2024-03-02", "EU", 4, 150),
	)

	groups := planGroups(snap, nil, DefaultSmallFileBytes, DefaultMaxFilesPerPartition)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	g := groups[0]
	if g.Reason != ReasonSmallFiles {
		t.Errorf("reason = %s, want %s", g.Reason, ReasonSmallFiles)
	}
	if len(g.Files) != 2 {
		t.Fatalf("group holds %d files, want only the 2 fragments", len(g.Files))
	}
	for _, f := range g.Files {
		if f.ByteSize >= DefaultSmallFileBytes {
			t.Errorf("healthy file %s selected for rewrite", f.Path)
		}
	}
	if g.Partition["date"] != "2024-03-01" || g.Partition["region"] != "EU" {
		t.Errorf("unexpected partition %v", g.Partition)
	}
}

func TestPlanGroupsSelectsOvercrowdedPartitions(t *testing.T) {
	var files []txlog.FileRef
	for i := 0; i < 5; i++ {
		files = append(files, plannerFile("2024-03-01", "US", i, 1<<30))
	}
	snap := plannerSnapshot(files...)

	groups := planGroups(snap, nil, DefaultSmallFileBytes, 4)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if groups[0].Reason != ReasonTooManyFiles {
		t.Errorf("reason = %s, want %s", groups[0].Reason, ReasonTooManyFiles)
	}
	if len(groups[0].Files) != 5 {
		t.Errorf("overcrowded rewrite covers %d files, want all 5", len(groups[0].Files))
	}
}

func TestPlanGroupsSingleFragmentIsLeftAlone(t *testing.T) {
	snap := plannerSnapshot(
		plannerFile("2024-03-01", "EU", 1, 100),
		plannerFile("2024-03-02", "EU", 2, 100),
	)

	// One small file per partition: merging it with itself gains nothing.
	if groups := planGroups(snap, nil, DefaultSmallFileBytes, DefaultMaxFilesPerPartition); len(groups) != 0 {
		t.Fatalf("got %d groups, want none", len(groups))
	}
}

func TestPlanGroupsHonorsScope(t *testing.T) {
	snap := plannerSnapshot(
		plannerFile("2024-03-01", "EU", 1, 100),
		plannerFile("2024-03-01", "EU", 2, 100),
		plannerFile("2024-03-02", "EU", 3, 100),
		plannerFile("2024-03-02", "EU", 4, 100),
		plannerFile("2024-03-02", "US", 5, 100),
		plannerFile("2024-03-02", "US", 6, 100),
	)

	groups := planGroups(snap, types.PartitionValues{"date": "2024-03-02"},
		DefaultSmallFileBytes, DefaultMaxFilesPerPartition)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	for _, g := range groups {
		if g.Partition["date"] != "2024-03-02" {
			t.Errorf("out-of-scope partition %v selected", g.Partition)
		}
	}

	groups = planGroups(snap, types.PartitionValues{"date": "2024-03-02", "region": "US"},
		DefaultSmallFileBytes, DefaultMaxFilesPerPartition)
	if len(groups) != 1 {
		t.Fatalf("two-column scope got %d groups, want 1", len(groups))
	}
	if groups[0].Partition["region"] != "US" {
		t.Errorf("scoped to US, got %v", groups[0].Partition)
	}
}

func TestPlanGroupsDeterministicOrder(t *testing.T) {
	snap := plannerSnapshot(
		plannerFile("2024-03-03", "EU", 1, 100),
		plannerFile("2024-03-03", "EU", 2, 100),
		plannerFile("2024-03-01", "EU", 3, 100),
		plannerFile("2024-03-01", "EU", 4, 100),
	)

	first := planGroups(snap, nil, DefaultSmallFileBytes, DefaultMaxFilesPerPartition)
	second := planGroups(snap, nil, DefaultSmallFileBytes, DefaultMaxFilesPerPartition)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("got %d and %d groups, want 2 each", len(first), len(second))
	}
	for i := range first {
		if first[i].Key != second[i].Key {
			t.Errorf("group %d key differs between runs: %s vs %s", i, first[i].Key, second[i].Key)
		}
	}
	if first[0].Key >= first[1].Key {
		t.Errorf("groups not in ascending key order: %s, %s", first[0].Key, first[1].Key)
	}
}
