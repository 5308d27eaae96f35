// Package main is the entry point for the BleepFile file share server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/bleepfile/internal/config"
	"github.com/bleepstore/bleepfile/internal/logging"
	"github.com/bleepstore/bleepfile/internal/metrics"
	"github.com/bleepstore/bleepfile/internal/server"
)

func main() {
	configPath := flag.String("config", "bleepfile.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 10000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxFileSize := flag.Int64("max-file-size", 0, "maximum file size in bytes (default: from config or 5368709120)")
	readOnly := flag.Bool("read-only", false, "serve as a read-only secondary")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxFileSize != 0 {
		cfg.Server.MaxFileSize = *maxFileSize
	}
	if *readOnly {
		cfg.Server.ReadOnly = true
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	metaStore, err := openMetadataStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing metadata store: %w", err)
	}
	defer closeIfCloser("metadata", metaStore)

	if cfg.Auth.Enabled && !cfg.Server.ReadOnly {
		if err := seedDefaultCredential(ctx, metaStore, cfg); err != nil {
			return err
		}
	}

	storageBackend, err := openStorageBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing storage backend: %w", err)
	}
	defer closeIfCloser("storage", storageBackend)

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	srv, err := server.New(cfg,
		server.WithMetadataStore(metaStore),
		server.WithStorageBackend(storageBackend),
	)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if cfg.Observability.Metrics {
		if err := srv.SyncShareGauge(ctx); err != nil {
			slog.Warn("Failed to count shares", "error", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("BleepFile listening", "addr", addr, "account", cfg.Server.AccountName,
			"read_only", cfg.Server.ReadOnly, "auth", cfg.Auth.Enabled)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
