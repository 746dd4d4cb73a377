// Command docsyncd runs the Sync Server: the WebSocket gateway, room
// registry, and storage/oplog wiring for the collaborative document
// synchronization kernel.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/docsync/internal/authz"
	"github.com/ehrlich-b/docsync/internal/config"
	"github.com/ehrlich-b/docsync/internal/logger"
	"github.com/ehrlich-b/docsync/internal/metrics"
	"github.com/ehrlich-b/docsync/internal/oplog"
	"github.com/ehrlich-b/docsync/internal/policy"
	"github.com/ehrlich-b/docsync/internal/ratelimit"
	"github.com/ehrlich-b/docsync/internal/storage"
	"github.com/ehrlich-b/docsync/internal/storage/file"
	"github.com/ehrlich-b/docsync/internal/storage/fs"
	"github.com/ehrlich-b/docsync/internal/storage/memory"
	"github.com/ehrlich-b/docsync/internal/sync"
)

func main() {
	var configPath string
	var manifestPath string

	root := &cobra.Command{
		Use:   "docsyncd",
		Short: "docsync server — hosts document rooms and negotiates policy manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, manifestPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to server config YAML")
	root.Flags().StringVar(&manifestPath, "manifest", "", "path to policy manifest YAML")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, manifestPath string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile, "docsyncd"); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	manifest, err := policy.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("build storage backend: %w", err)
	}

	var oplogSink oplog.Sink
	if cfg.OplogDSN != "" {
		store, err := oplog.Open(cfg.OplogDSN)
		if err != nil {
			return fmt.Errorf("open oplog: %w", err)
		}
		defer store.Close()
		oplogSink = store
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		StaleAfter:        10 * time.Minute,
		CleanupInterval:   5 * time.Minute,
	})
	defer limiter.Shutdown()

	reg := metrics.New()

	srvCfg := sync.ServerConfig{
		MaxClientsPerRoom:         cfg.MaxClientsPerRoom,
		PresenceTTL:               time.Duration(cfg.PresenceTtlMs) * time.Millisecond,
		HandshakeTimeout:          time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond,
		PresenceBroadcastInterval: time.Duration(cfg.PresenceBroadcastIntervalMs) * time.Millisecond,
		IdleTimeout:               time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		IdleCheckInterval:         time.Duration(cfg.IdleCheckIntervalMs) * time.Millisecond,
		EnableNegotiationLog:      cfg.EnableNegotiationLog,
		Validation: sync.ValidationConfig{
			MaxMessageSize: cfg.Validation.MaxMessageSize,
			MaxUpdateSize:  cfg.Validation.MaxUpdateSize,
		},
	}

	srv := sync.NewServer(srvCfg, manifest, authz.Permissive{}, backend, oplogSink, limiter, reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	srv.Start(ctx)

	mux := sync.NewGatewayMux(srv, reg.Handler())
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("docsyncd listening", "addr", cfg.ListenAddr, "storage_backend", cfg.StorageBackend, "policy_id", manifest.PolicyID)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func buildBackend(cfg config.ServerConfig) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "", "memory":
		return memory.New(), nil
	case "file":
		return file.New(fs.OS{}, cfg.StorageDir, logger.Log), nil
	default:
		return nil, fmt.Errorf("unknown storage_backend %q (want \"memory\" or \"file\")", cfg.StorageBackend)
	}
}
