// Package main provides the embedded localhost server for desktop platforms.
// Desktop clients communicate via REST/WebSocket on localhost:8090; the same
// engine the mobile FFI embeds runs behind it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/brewlog/core/cmd/desktop/handlers"
	"github.com/brewlog/core/internal/config"
	"github.com/brewlog/core/internal/connectivity"
	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/export"
	"github.com/brewlog/core/internal/logging"
	"github.com/brewlog/core/internal/remote"
	"github.com/brewlog/core/internal/services"
	"github.com/brewlog/core/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "brewlog-desktop: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	database, err := db.Open(cfg.Data.Dir)
	if err != nil {
		logging.Error("failed to open local store", err, logging.Fields{"dir": cfg.Data.Dir})
		os.Exit(1)
	}
	defer database.Close()

	store := db.NewStore(database)
	if cfg.Remote.AuthToken == "" {
		// fall back to the token sealed in the local store
		if token, err := store.AuthToken(); err == nil {
			cfg.Remote.AuthToken = token
		}
	}
	monitor := connectivity.NewMonitor(&connectivity.HTTPProber{
		URL:     cfg.Probe.URL,
		Timeout: cfg.Probe.Timeout,
	}, cfg.Probe.Interval)
	client := remote.NewClient(cfg.Remote)
	engine := sync.New(store, client, monitor, cfg)
	posts := services.NewPostService(store, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	feed := remote.NewFeed(cfg.Remote, engine.Manager, monitor)
	if feed != nil {
		feed.Start(ctx)
	}

	hub := NewWSHub()
	hub.WatchStore(ctx, store)

	syncHandler := handlers.NewSyncHandler(engine)
	postsHandler := handlers.NewPostsHandler(posts)
	exportHandler := handlers.NewExportHandler(export.NewService(store))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"brewlog-desktop"}`))
	})
	mux.Handle("/api/posts", postsHandler)
	mux.Handle("/api/posts/", postsHandler)
	mux.HandleFunc("/api/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("/api/sync/now", syncHandler.TriggerSync)
	mux.HandleFunc("/api/sync/conflicts", syncHandler.ListConflicts)
	mux.HandleFunc("/api/sync/conflicts/resolve", syncHandler.ResolveConflict)
	mux.HandleFunc("/api/export", exportHandler.Export)
	mux.HandleFunc("/api/import", exportHandler.Import)
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	srv := &http.Server{Addr: "localhost:8090", Handler: mux}
	go func() {
		logging.Info("desktop server listening", logging.Fields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("server stopped", err, nil)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	srv.Shutdown(context.Background())
	if feed != nil {
		feed.Stop()
	}
	engine.Stop()
}
