package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arkilian/tidelake/internal/compact"
	"github.com/arkilian/tidelake/internal/table"
	"github.com/arkilian/tidelake/internal/txlog"
	"github.com/arkilian/tidelake/internal/vacuum"
	"github.com/arkilian/tidelake/pkg/types"
)

func cmdCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	common := bindCommon(fs)
	schemaFile := fs.String("schema", "", "Path to schema JSON file (required)")
	partitionBy := fs.String("partition-by", "", "Comma-separated partition columns")
	fs.Parse(args)

	root := fs.Arg(0)
	if root == "" {
		usageError("create: table root required, e.g. tidelake create -schema s.json gold/transactions")
	}
	if *schemaFile == "" {
		usageError("create: -schema is required")
	}

	data, err := os.ReadFile(*schemaFile)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}
	var schema types.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("parse schema file: %w", err)
	}
	if schema.Version == 0 {
		schema.Version = 1
	}

	var partitionColumns []string
	if *partitionBy != "" {
		partitionColumns = strings.Split(*partitionBy, ",")
	}

	ctx := context.Background()
	e, err := common.environment(ctx)
	if err != nil {
		return err
	}
	if _, err := table.Create(ctx, e.tableCfg, root, &schema, partitionColumns); err != nil {
		return err
	}
	fmt.Printf("created table %s at version 0\n", root)
	return nil
}

func cmdAppend(args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	common := bindCommon(fs)
	input := fs.String("input", "", "Path to JSON row file, '-' for stdin (required)")
	overwrite := fs.Bool("overwrite", false, "Replace the table contents instead of appending")
	fs.Parse(args)

	root := fs.Arg(0)
	if root == "" {
		usageError("append: table root required")
	}
	if *input == "" {
		usageError("append: -input is required")
	}

	var data []byte
	var err error
	if *input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*input)
	}
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	var rows []types.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("parse rows: %w", err)
	}

	ctx := context.Background()
	_, tbl, err := common.open(ctx, root)
	if err != nil {
		return err
	}

	var v uint64
	if *overwrite {
		v, err = tbl.Overwrite(ctx, rows)
	} else {
		v, err = tbl.Append(ctx, rows)
	}
	if err != nil {
		return err
	}
	if *overwrite {
		fmt.Printf("committed version %d (table replaced with %d rows)\n", v, len(rows))
	} else {
		fmt.Printf("committed version %d (%d rows appended)\n", v, len(rows))
	}
	return nil
}

func cmdQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	common := bindCommon(fs)
	asOf := fs.String("as-of", "", "Read a past state: version number or RFC3339 timestamp")
	predicate := fs.String("predicate", "", "Filter expression, e.g. \"date = '2024-03-01' AND amount > 100\"")
	fs.Parse(args)

	root := fs.Arg(0)
	if root == "" {
		usageError("query: table root required")
	}

	req := table.ScanRequest{Predicate: *predicate}
	if *asOf != "" {
		if v, err := strconv.ParseUint(*asOf, 10, 64); err == nil {
			req.AsOfVersion = &v
		} else if ts, err := time.Parse(time.RFC3339, *asOf); err == nil {
			req.AsOfTime = &ts
		} else {
			usageError("query: -as-of %q is neither a version number nor an RFC3339 timestamp", *asOf)
		}
	}

	ctx := context.Background()
	_, tbl, err := common.open(ctx, root)
	if err != nil {
		return err
	}
	plan, err := tbl.Query(ctx, req)
	if err != nil {
		return err
	}
	defer plan.Release()

	out := struct {
		Version   uint64          `json:"version"`
		Timestamp time.Time       `json:"timestamp"`
		Predicate string          `json:"predicate,omitempty"`
		FileCount int             `json:"fileCount"`
		RowCount  int64           `json:"rowCount"`
		Files     []txlog.FileRef `json:"files"`
	}{
		Version:   plan.Version,
		Timestamp: plan.Timestamp.UTC(),
		Predicate: plan.Predicate,
		FileCount: len(plan.Files),
		RowCount:  plan.TotalRows(),
		Files:     plan.Files,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if plan.Prune != nil && plan.Prune.Total > 0 {
		fmt.Fprintf(os.Stderr, "pruned %d of %d file(s): %d by partition, %d by stats, %d by digest\n",
			plan.Prune.Total-len(plan.Files), plan.Prune.Total,
			plan.Prune.PartitionPruned, plan.Prune.StatsPruned, plan.Prune.DigestPruned)
	}
	return nil
}

func cmdOptimize(args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	common := bindCommon(fs)
	zorder := fs.String("zorder", "", "Comma-separated columns to Z-order rows by")
	fs.Parse(args)

	root := fs.Arg(0)
	if root == "" {
		usageError("optimize: table root required")
	}

	ctx := context.Background()
	e, tbl, err := common.open(ctx, root)
	if err != nil {
		return err
	}

	opts := compact.Options{
		SmallFileBytes:       int64(e.cfg.Maintenance.SmallFileMB) << 20,
		MaxFilesPerPartition: e.cfg.Maintenance.MaxFilesPerPartition,
		TargetFileBytes:      int64(e.cfg.Maintenance.TargetFileMB) << 20,
	}
	if *zorder != "" {
		opts.ZOrderBy = strings.Split(*zorder, ",")
	}

	rep, err := tbl.Optimize(ctx, opts)
	if err != nil {
		return err
	}

	if rep.GroupsCompacted == 0 {
		fmt.Printf("nothing to compact in %s at version %d\n", root, rep.BaseVersion)
	} else {
		fmt.Printf("optimized %s: %d group(s), %d -> %d file(s), %d rows rewritten, version %d\n",
			root, rep.GroupsCompacted, rep.FilesIn, rep.FilesOut, rep.RowsRewritten, rep.Version)
	}
	if rep.GroupsSkipped > 0 {
		fmt.Fprintf(os.Stderr, "%d group(s) skipped due to concurrent commits; rerun to pick them up\n", rep.GroupsSkipped)
	}
	return nil
}

func cmdVacuum(args []string) error {
	fs := flag.NewFlagSet("vacuum", flag.ExitOnError)
	common := bindCommon(fs)
	retain := fs.Duration("retain", vacuum.DefaultRetention, "Retention window; 0 reclaims everything the current version no longer references")
	fs.Parse(args)

	root := fs.Arg(0)
	if root == "" {
		usageError("vacuum: table root required")
	}

	ctx := context.Background()
	_, tbl, err := common.open(ctx, root)
	if err != nil {
		return err
	}

	rep, err := tbl.Vacuum(ctx, *retain)
	if err != nil {
		return err
	}

	for _, v := range rep.Violations {
		fmt.Fprintf(os.Stderr, "[WARN] vacuum safety violation: %s\n", v)
	}
	fmt.Printf("vacuumed %s: %d file(s) deleted, %d orphan(s), %d bytes reclaimed (cutoff %s)\n",
		root, rep.FilesDeleted, rep.OrphansDeleted, rep.BytesReclaimed,
		rep.Cutoff.UTC().Format(time.RFC3339))
	if rep.SkippedInUse > 0 {
		fmt.Printf("%d file(s) still referenced by active readers were kept\n", rep.SkippedInUse)
	}
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	common := bindCommon(fs)
	limit := fs.Int("limit", 20, "Maximum commits to list, newest first (0 = all)")
	fs.Parse(args)

	root := fs.Arg(0)
	if root == "" {
		usageError("history: table root required")
	}

	ctx := context.Background()
	_, tbl, err := common.open(ctx, root)
	if err != nil {
		return err
	}
	commits, err := tbl.History(ctx, *limit)
	if err != nil {
		return err
	}

	fmt.Printf("%-8s  %-20s  %-12s  %6s  %8s  %10s\n",
		"VERSION", "TIMESTAMP", "OPERATION", "ADDS", "REMOVES", "ROWS")
	for _, c := range commits {
		fmt.Printf("%-8d  %-20s  %-12s  %6d  %8d  %10d\n",
			c.Version, c.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			c.Op, c.AddedFiles, c.RemovedFiles, c.RowsAdded)
	}
	return nil
}

func cmdClone(args []string) error {
	fs := flag.NewFlagSet("clone", flag.ExitOnError)
	common := bindCommon(fs)
	fs.Parse(args)

	root, target := fs.Arg(0), fs.Arg(1)
	if root == "" || target == "" {
		usageError("clone: source and target roots required, e.g. tidelake clone gold/transactions gold/transactions-backup")
	}

	ctx := context.Background()
	_, tbl, err := common.open(ctx, root)
	if err != nil {
		return err
	}
	cloned, err := tbl.Clone(ctx, target)
	if err != nil {
		return err
	}
	snap, err := cloned.Snapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cloned %s to %s (%d file(s), %d rows)\n", root, target, snap.FileCount(), snap.TotalRows())
	return nil
}

func cmdDrop(args []string) error {
	fs := flag.NewFlagSet("drop", flag.ExitOnError)
	common := bindCommon(fs)
	fs.Parse(args)

	root := fs.Arg(0)
	if root == "" {
		usageError("drop: table root required")
	}

	ctx := context.Background()
	_, tbl, err := common.open(ctx, root)
	if err != nil {
		return err
	}
	if err := tbl.Drop(ctx); err != nil {
		return err
	}
	fmt.Printf("dropped table %s\n", root)
	return nil
}
