// Package main is the entry point for the AS2 daemon.
//
// Usage:
//
//	as2d -config as2.yaml
//
// Messages are sent by dropping files into the configured outbox or through
// POST /api/messages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirosfoundation/go-as2/internal/config"
	"github.com/sirosfoundation/go-as2/internal/keystore"
	"github.com/sirosfoundation/go-as2/internal/server"
	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/internal/storage/mongodb"
	"github.com/sirosfoundation/go-as2/internal/storage/sqlite"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/smime"
)

func main() {
	configPath := flag.String("config", "as2.yaml", "path to YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("as2d failed", "error", err)
		os.Exit(1)
	}
}

// run loads the configuration, builds the store, partner registry and
// host, and serves until a signal arrives.
func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	secrets, err := keystore.NewFileStore(cfg.Security.SecretsDir)
	if err != nil {
		return err
	}
	partners, err := partner.NewRegistry(cfg.Partners, partner.WithSecretStore(secrets))
	if err != nil {
		return fmt.Errorf("loading partners: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	security := &smime.OpenSSL{Path: cfg.Security.OpenSSLPath, Timeout: cfg.Security.Timeout, Logger: logger}
	srv, err := server.New(cfg, server.Dependencies{Store: store, Partners: partners, Security: security}, logger)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, srv)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "mongodb":
		logger.Info("using MongoDB storage", "database", cfg.Storage.MongoDB.Database)
		return mongodb.NewStore(ctx, &mongodb.Config{
			URI:            cfg.Storage.MongoDB.URI,
			Database:       cfg.Storage.MongoDB.Database,
			ConnectTimeout: cfg.Storage.MongoDB.ConnectTimeout,
			Logger:         logger,
		})
	default:
		logger.Info("using SQLite storage", "path", cfg.Storage.SQLite.Path)
		return sqlite.NewStore(ctx, &sqlite.Config{Path: cfg.Storage.SQLite.Path})
	}
}

func serve(ctx context.Context, cfg *config.Config, srv *server.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("received signal, initiating shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("as2d stopped")
	return nil
}

// setupLogger configures the global slog logger with the configured
// format and level.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var logLevel slog.Level

	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
