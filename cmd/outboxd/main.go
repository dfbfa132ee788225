// Command outboxd runs the offline order outbox daemon: it owns the local
// durable store, watches remote reachability, and syncs queued operations
// to the backend API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/tableside/outbox"
	"github.com/tableside/outbox/internal/config"
	"github.com/tableside/outbox/internal/logging"
	"github.com/tableside/outbox/metrics"
	"github.com/tableside/outbox/remote"
	"github.com/tableside/outbox/stores"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer cleanup()

	client := remote.NewClient(cfg.RemoteBaseURL)
	hooks := metrics.NewStatsHook("pos_outbox")
	startMetricsServer(cfg.MetricsAddr)

	syncer := outbox.NewSyncer(store, client, outbox.Options{
		Concurrency:  cfg.Concurrency,
		SyncInterval: cfg.SyncInterval,
		Retention:    cfg.Retention,
		Logger:       logger,
		Hooks:        hooks,
	})

	go watchReachability(ctx, client, syncer, cfg.HealthInterval)

	log.Printf("outboxd started (backend=%s remote=%s)", cfg.Backend, cfg.RemoteBaseURL)
	if err := syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("syncer stopped: %v", err)
	}
}

// openStore selects the persistence backend once, at startup. The syncer
// never learns which backend it runs on.
func openStore(ctx context.Context, cfg config.Config) (outbox.Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		store := stores.NewSQLiteStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return store, func() { _ = db.Close() }, nil
	case "file":
		store, err := stores.NewFileStore(cfg.FileDir)
		return store, noop, err
	case "postgres":
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		store := stores.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return store, func() { _ = db.Close() }, nil
	case "mysql":
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, noop, err
		}
		store := stores.NewMySQLStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// watchReachability derives online/offline transitions from the remote
// health endpoint and pushes them into the syncer.
func watchReachability(ctx context.Context, client *remote.Client, syncer *outbox.Syncer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		syncer.SetOnline(client.Health(ctx) == nil)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	go func() {
		log.Printf("metrics available at http://localhost%s/debug/vars", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
}
