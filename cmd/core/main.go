// Package main runs the Brewlog sync core as a standalone process. Mobile
// builds embed the same engine through cmd/mobile; this binary exists for
// desktop use and for exercising the engine against a real backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brewlog/core/internal/config"
	"github.com/brewlog/core/internal/connectivity"
	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/logging"
	"github.com/brewlog/core/internal/remote"
	"github.com/brewlog/core/internal/sync"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "brewlog-core: %v\n", err)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	feed := remote.NewFeed(cfg.Remote, engine.Manager, monitor)
	if feed != nil {
		feed.Start(ctx)
	}

	logging.Info("brewlog core started", logging.Fields{
		"version": Version,
		"data":    cfg.Data.Dir,
		"remote":  cfg.Remote.BaseURL,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("shutting down", logging.Fields{"signal": sig.String()})

	cancel()
	if feed != nil {
		feed.Stop()
	}
	engine.Stop()
}
