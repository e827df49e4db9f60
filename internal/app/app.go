// Package app wires the maintenance daemon, its HTTP surface and the
// shared storage backend into one runnable unit.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/arkilian/tidelake/internal/api/http"
	"github.com/arkilian/tidelake/internal/config"
	"github.com/arkilian/tidelake/internal/metrics"
	"github.com/arkilian/tidelake/internal/server"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/storage"
)

// App is the top-level application container for tidelake-maintain.
type App struct {
	cfg *config.Config

	store    storage.ObjectStorage
	registry *snapshot.Registry
	daemon   *Daemon

	httpServer *http.Server
	shutdown   *server.ShutdownManager

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an application from the given configuration. The
// configuration is resolved, validated and its directories created.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg}, nil
}

// Start initializes shared resources and launches the HTTP server and
// the maintenance loop.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("application is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		cancel()
		return err
	}

	a.startHTTPServer()

	if err := a.daemon.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start maintenance daemon: %w", err)
	}

	a.running = true
	return nil
}

// initSharedResources sets up storage, metrics, the reader registry and
// the daemon.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Type {
	case "local":
		a.store, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		a.store, err = storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:   a.cfg.Storage.S3.Bucket,
			Region:   a.cfg.Storage.S3.Region,
			Endpoint: a.cfg.Storage.S3.Endpoint,
			// Custom endpoints are MinIO-style deployments that need
			// path-style addressing.
			UsePathStyle: a.cfg.Storage.S3.Endpoint != "",
		})
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("storage initialized: type=%s", a.cfg.Storage.Type)

	metrics.Init()
	a.registry = snapshot.NewRegistry()
	a.daemon = NewDaemon(a.cfg, a.store, a.registry)

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.RegisterCloser(server.CloserFunc(a.daemon.Stop))
	return nil
}

// startHTTPServer launches the health, trigger and metrics endpoints.
func (a *App) startHTTPServer() {
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.MetricsMiddleware,
		httpapi.ContentTypeMiddleware,
	)

	mux := http.NewServeMux()
	mux.Handle("/health", middleware(httpapi.NewHealthHandler("tidelake-maintain", a.daemon)))
	mux.Handle("/trigger", middleware(httpapi.NewTriggerHandler(a.daemon)))
	// The Prometheus handler writes its own content type, so it stays
	// outside the JSON middleware chain.
	mux.Handle("/metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("maintenance HTTP server listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("maintenance HTTP server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the application down: the maintenance loop
// first, then the HTTP server, then any remaining goroutines.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("initiating graceful shutdown...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.daemon != nil {
		if err := a.daemon.Stop(); err != nil {
			log.Printf("maintenance daemon stop error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("tidelake-maintain stopped")
	return nil
}

// Daemon exposes the maintenance daemon, mainly for tests and the
// manual trigger path.
func (a *App) Daemon() *Daemon {
	return a.daemon
}

// WaitForShutdown blocks until a termination signal arrives or the
// context is canceled.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
