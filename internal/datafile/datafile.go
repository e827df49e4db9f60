// Package datafile writes and reads the engine's data files: single-table
// SQLite databases staged locally, uploaded to object storage, and
// immutable from then on. Each file holds one `rows` table whose columns
// mirror the table schema; insertion order is preserved by rowid, so a
// file written from clustered rows keeps its clustering on read.
package datafile

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/tidelake/pkg/types"
)

// WriteResult describes one staged data file.
type WriteResult struct {
	// LocalPath is the staged file on local disk.
	LocalPath string

	// FileName is the file's base name, part-<uuid>.db.
	FileName string

	// RowCount is the number of rows written.
	RowCount int64

	// ByteSize is the finalized file size.
	ByteSize int64
}

// Write stages a new data file in dir containing rows in the given order.
// Values must already conform to the schema; nulls are allowed only in
// nullable columns. The file is fully written and closed before Write
// returns, making the subsequent upload a plain byte copy.
func Write(ctx context.Context, dir string, schema *types.Schema, rows []types.Row) (*WriteResult, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("datafile: cannot write a file with no rows")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("datafile: create staging dir: %w", err)
	}

	fileName := fmt.Sprintf("part-%s.db", uuid.New().String())
	localPath := filepath.Join(dir, fileName)

	db, err := sql.Open("sqlite3", localPath)
	if err != nil {
		return nil, fmt.Errorf("datafile: open %s: %w", localPath, err)
	}
	defer db.Close()

	// WAL keeps the build fast; the checkpoint below folds it back so the
	// finished file is a single self-contained database.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("datafile: set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL(schema)); err != nil {
		return nil, fmt.Errorf("datafile: create rows table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datafile: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(schema))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("datafile: prepare insert: %w", err)
	}

	args := make([]interface{}, len(schema.Columns))
	for i, row := range rows {
		for j, col := range schema.Columns {
			v, err := types.Normalize(row[col.Name], col.Type)
			if err != nil {
				stmt.Close()
				tx.Rollback()
				return nil, fmt.Errorf("datafile: row %d column %q: %w", i, col.Name, err)
			}
			args[j] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return nil, fmt.Errorf("datafile: insert row %d: %w", i, err)
		}
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("datafile: close insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("datafile: commit: %w", err)
	}

	// Fold the WAL into the main file and drop back to rollback journaling
	// so nothing ever rides alongside the immutable file.
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("datafile: checkpoint: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return nil, fmt.Errorf("datafile: reset journal mode: %w", err)
	}
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("datafile: close: %w", err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("datafile: stat %s: %w", localPath, err)
	}

	return &WriteResult{
		LocalPath: localPath,
		FileName:  fileName,
		RowCount:  int64(len(rows)),
		ByteSize:  info.Size(),
	}, nil
}

// ReadAll returns every row of a data file in rowid order, normalized to
// the given schema. Columns the schema has that the file predates read as
// null, and integer values read through a widened DOUBLE column come back
// as float64, so files written under older schema versions stay readable.
func ReadAll(ctx context.Context, path string, schema *types.Schema) ([]types.Row, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("datafile: open %s: %w", path, err)
	}
	defer db.Close()

	stored, err := storedColumns(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("datafile: inspect %s: %w", path, err)
	}

	var selected []types.ColumnDef
	var exprs []string
	for _, col := range schema.Columns {
		if stored[col.Name] {
			selected = append(selected, col)
			exprs = append(exprs, quoteIdent(col.Name))
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("datafile: %s shares no columns with the schema", path)
	}

	query := fmt.Sprintf("SELECT %s FROM rows ORDER BY rowid", strings.Join(exprs, ", "))
	result, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("datafile: read %s: %w", path, err)
	}
	defer result.Close()

	var out []types.Row
	vals := make([]interface{}, len(selected))
	ptrs := make([]interface{}, len(selected))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for result.Next() {
		if err := result.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("datafile: scan %s: %w", path, err)
		}
		row := make(types.Row, len(schema.Columns))
		for i, col := range selected {
			if vals[i] == nil {
				row[col.Name] = nil
				continue
			}
			v, err := types.Normalize(vals[i], col.Type)
			if err != nil {
				return nil, fmt.Errorf("datafile: %s column %q: %w", path, col.Name, err)
			}
			row[col.Name] = v
		}
		for _, col := range schema.Columns {
			if !stored[col.Name] {
				row[col.Name] = nil
			}
		}
		out = append(out, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("datafile: read %s: %w", path, err)
	}
	return out, nil
}

// RowCount returns the number of rows in a data file without decoding them.
func RowCount(ctx context.Context, path string) (int64, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return 0, fmt.Errorf("datafile: open %s: %w", path, err)
	}
	defer db.Close()

	var n int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rows").Scan(&n); err != nil {
		return 0, fmt.Errorf("datafile: count %s: %w", path, err)
	}
	return n, nil
}

// storedColumns returns the set of column names physically present in the
// file's rows table.
func storedColumns(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	result, err := db.QueryContext(ctx, "PRAGMA table_info(rows)")
	if err != nil {
		return nil, err
	}
	defer result.Close()

	cols := make(map[string]bool)
	for result.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal interface{}
			pk         int
		)
		if err := result.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no rows table")
	}
	return cols, nil
}

func createTableSQL(schema *types.Schema) string {
	defs := make([]string, len(schema.Columns))
	for i, col := range schema.Columns {
		def := quoteIdent(col.Name) + " " + col.Type.SQLiteType()
		if !col.Nullable {
			def += " NOT NULL"
		}
		defs[i] = def
	}
	return fmt.Sprintf("CREATE TABLE rows (%s)", strings.Join(defs, ", "))
}

func insertSQL(schema *types.Schema) string {
	names := make([]string, len(schema.Columns))
	marks := make([]string, len(schema.Columns))
	for i, col := range schema.Columns {
		names[i] = quoteIdent(col.Name)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO rows (%s) VALUES (%s)",
		strings.Join(names, ", "), strings.Join(marks, ", "))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
