package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpapi "granite/internal/http"
	"granite/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	dataDir := flag.String("data", "", "override the database directory")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if *dataDir != "" {
		cfg.DB.Path = *dataDir
	}

	db, err := store.Open(store.Options{
		Config: cfg.DB,
		Logger: slog.Default(),
	})
	if err != nil {
		slog.Error("failed to open store", "path", cfg.DB.Path, "error", err)
		os.Exit(1)
	}

	server := httpapi.NewServer(db, cfg.Server, slog.Default())
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		_ = db.Close()
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if err := server.Stop(); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("store close failed", "error", err)
	}
}
