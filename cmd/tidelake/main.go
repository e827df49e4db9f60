// Package main implements the tidelake command line client.
// It operates directly against the transaction log in object storage;
// no server is involved.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"

	"github.com/arkilian/tidelake/internal/config"
	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/table"
	"github.com/arkilian/tidelake/internal/txlog"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = cmdCreate(args)
	case "append":
		err = cmdAppend(args)
	case "query":
		err = cmdQuery(args)
	case "optimize":
		err = cmdOptimize(args)
	case "vacuum":
		err = cmdVacuum(args)
	case "history":
		err = cmdHistory(args)
	case "clone":
		err = cmdClone(args)
	case "drop":
		err = cmdDrop(args)
	case "version", "-version", "--version":
		fmt.Printf("tidelake version %s (commit: %s)\n", version, commit)
		return
	case "help", "-h", "-help", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fail(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "tidelake - transactional tables on object storage\n\n")
	fmt.Fprintf(os.Stderr, "Usage: tidelake <command> [options] <table> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  create    Create a table with a schema and optional partition columns\n")
	fmt.Fprintf(os.Stderr, "  append    Commit rows from a JSON file to a table\n")
	fmt.Fprintf(os.Stderr, "  query     Plan a scan: list the data files a query must read\n")
	fmt.Fprintf(os.Stderr, "  optimize  Compact small files, optionally Z-ordering rows\n")
	fmt.Fprintf(os.Stderr, "  vacuum    Delete unreferenced data files past the retention window\n")
	fmt.Fprintf(os.Stderr, "  history   List the table's commit history\n")
	fmt.Fprintf(os.Stderr, "  clone     Copy a table's current state to a new root\n")
	fmt.Fprintf(os.Stderr, "  drop      Delete a table and all of its objects\n")
	fmt.Fprintf(os.Stderr, "  version   Show version information\n\n")
	fmt.Fprintf(os.Stderr, "Tables are addressed by their root path, e.g. gold/transactions.\n\n")
	fmt.Fprintf(os.Stderr, "Run 'tidelake <command> -h' for command options.\n\n")
	fmt.Fprintf(os.Stderr, "Environment Variables:\n")
	fmt.Fprintf(os.Stderr, "  TIDELAKE_DATA_DIR       Base directory for lake data\n")
	fmt.Fprintf(os.Stderr, "  TIDELAKE_STORAGE_TYPE   Storage backend (local, s3)\n")
	fmt.Fprintf(os.Stderr, "  TIDELAKE_S3_BUCKET      S3 bucket for the s3 backend\n")
	fmt.Fprintf(os.Stderr, "  TIDELAKE_S3_ENDPOINT    Custom S3 endpoint (MinIO etc.)\n")
}

// fail prints the error as "KIND: message" on stderr and exits nonzero.
func fail(err error) {
	code := errors.GetCode(err)
	if code == "" {
		code = "UNEXPECTED"
	}
	var le *errors.LakeError
	if stderrors.As(err, &le) {
		if le.Cause != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %v\n", code, le.Message, le.Cause)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %s\n", code, le.Message)
		}
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	}
	os.Exit(1)
}

// usageError prints a flag-level mistake and exits 2 without the
// KIND prefix reserved for engine errors.
func usageError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}

// commonFlags are shared by every command.
type commonFlags struct {
	configFile string
	dataDir    string
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&c.dataDir, "data-dir", "", "Base directory for lake data")
	return c
}

// env is the resolved execution environment for one command.
type env struct {
	cfg      *config.Config
	store    storage.ObjectStorage
	tableCfg table.Config
}

// environment loads configuration (file, environment, flags) and builds
// the storage backend and table configuration.
func (c *commonFlags) environment(ctx context.Context) (*env, error) {
	var cfg *config.Config
	var err error
	if c.configFile != "" {
		cfg, err = config.LoadFromFile(c.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	var store storage.ObjectStorage
	switch cfg.Storage.Type {
	case "local":
		store, err = storage.NewLocalStorage(cfg.Storage.Path)
	case "s3":
		store, err = storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:       cfg.Storage.S3.Bucket,
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.Endpoint != "",
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if err != nil {
		return nil, err
	}

	policy, _ := txlog.PolicyByName(cfg.Table.ConflictPolicy)
	return &env{
		cfg:   cfg,
		store: store,
		tableCfg: table.Config{
			Store:              store,
			ScratchDir:         cfg.ScratchDir,
			MaxRowsPerFile:     cfg.Table.MaxRowsPerFile,
			CheckpointInterval: cfg.Table.CheckpointInterval,
			CommitRetries:      cfg.Table.CommitRetries,
			ConflictPolicy:     policy,
		},
	}, nil
}

// open resolves the environment and opens an existing table.
func (c *commonFlags) open(ctx context.Context, root string) (*env, *table.Table, error) {
	e, err := c.environment(ctx)
	if err != nil {
		return nil, nil, err
	}
	tbl, err := table.Open(ctx, e.tableCfg, root)
	if err != nil {
		return nil, nil, err
	}
	return e, tbl, nil
}
