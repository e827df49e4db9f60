// Package main implements the tidelake-maintain daemon binary.
// The daemon periodically compacts and vacuums a configured set of
// tables and exposes health, manual-trigger and metrics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/arkilian/tidelake/internal/app"
	"github.com/arkilian/tidelake/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		tables      string
		interval    time.Duration
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for lake data")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for health, trigger and metrics endpoints")
	flag.StringVar(&tables, "tables", "", "Comma-separated table roots to maintain (adds to the config file's list)")
	flag.DurationVar(&interval, "check-interval", 0, "Maintenance cycle interval")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tidelake-maintain - background compaction and vacuum for tidelake tables\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tidelake-maintain [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tidelake-maintain --data-dir /data/tidelake --tables gold/transactions\n")
		fmt.Fprintf(os.Stderr, "  tidelake-maintain --config /etc/tidelake/maintain.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TIDELAKE_DATA_DIR                Base directory for lake data\n")
		fmt.Fprintf(os.Stderr, "  TIDELAKE_HTTP_ADDR               HTTP endpoint address\n")
		fmt.Fprintf(os.Stderr, "  TIDELAKE_MAINTENANCE_INTERVAL    Maintenance cycle interval\n")
		fmt.Fprintf(os.Stderr, "  TIDELAKE_MAINTENANCE_RETENTION   Vacuum retention window\n")
		fmt.Fprintf(os.Stderr, "  TIDELAKE_STORAGE_TYPE            Storage backend (local, s3)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("tidelake-maintain version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, httpAddr, tables, interval)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting tidelake-maintain...")
	log.Printf("Configuration:")
	log.Printf("  Data Dir:  %s", cfg.DataDir)
	log.Printf("  Storage:   %s", cfg.Storage.Type)
	log.Printf("  HTTP:      %s", cfg.HTTP.Addr)
	log.Printf("  Interval:  %s", cfg.Maintenance.CheckInterval)
	log.Printf("  Retention: %s", cfg.Maintenance.Retention)
	log.Printf("  Tables:    %d", len(cfg.Maintenance.Tables))
	for _, spec := range cfg.Maintenance.Tables {
		if len(spec.ZOrderBy) > 0 {
			log.Printf("    %s (zorder: %s)", spec.Root, strings.Join(spec.ZOrderBy, ","))
		} else {
			log.Printf("    %s", spec.Root)
		}
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Blocks until SIGTERM/SIGINT, then drains in-flight requests and
	// stops the maintenance loop.
	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers configuration: file (or defaults), then
// environment variables, then command line flags.
func loadConfig(configFile, dataDir, httpAddr, tables string, interval time.Duration) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if interval > 0 {
		cfg.Maintenance.CheckInterval = interval
	}
	if tables != "" {
		configured := make(map[string]bool, len(cfg.Maintenance.Tables))
		for _, spec := range cfg.Maintenance.Tables {
			configured[spec.Root] = true
		}
		for _, root := range strings.Split(tables, ",") {
			root = strings.TrimSpace(root)
			if root != "" && !configured[root] {
				cfg.Maintenance.Tables = append(cfg.Maintenance.Tables, config.TableSpec{Root: root})
			}
		}
	}

	return cfg, nil
}
