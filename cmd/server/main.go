// ArcVault Server
//
// Features:
// - JWT auth with rotating refresh-token sessions
// - Role and path-prefix scoped browsing over object storage
// - Presigned download URLs
// - Upload / folder-create gateway with audit logging
// - Prometheus metrics & structured logging (zap)
// - Multi-backend storage (S3, local)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arcvault/arcvault/internal/api"
	"github.com/arcvault/arcvault/internal/auth"
	"github.com/arcvault/arcvault/internal/config"
	"github.com/arcvault/arcvault/internal/gateway"
	"github.com/arcvault/arcvault/internal/logging"
	"github.com/arcvault/arcvault/internal/metrics"
	"github.com/arcvault/arcvault/internal/policy"
	"github.com/arcvault/arcvault/internal/storage"
	"github.com/arcvault/arcvault/internal/storage/local"
	s3storage "github.com/arcvault/arcvault/internal/storage/s3"
	"github.com/arcvault/arcvault/internal/users"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("ArcVault Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	store, err := users.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logging.Fatal("schema migration failed", zap.Error(err))
	}

	// Initialize auth
	authHandler := auth.New(store, cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err := authHandler.EnsureDefaultAdmin(ctx, cfg.DefaultAdminUser, cfg.DefaultAdminPass); err != nil {
		logging.Error("failed to ensure default admin", zap.Error(err))
	}

	// Initialize storage backend
	var backend storage.Backend
	switch cfg.StorageBackend {
	case "local":
		backend, err = local.New(local.Config{RootPath: cfg.LocalStoragePath})
	default:
		backend, err = s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	}
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()
	logging.Info("storage backend initialized", zap.String("type", backend.Type()))

	// Policy evaluator and mutation gateway
	eval := &policy.Evaluator{SharedWritePrefix: cfg.SharedWritePrefix}
	gw := gateway.New(backend, eval, store, cfg.AllowedFileTypes)

	// Create API server
	srv := api.NewServer(cfg, authHandler, store, backend, gw, eval)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Prune expired refresh-token sessions periodically
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := store.DeleteExpiredSessions(ctx); err != nil {
					logging.Error("session cleanup failed", zap.Error(err))
				} else if n > 0 {
					logging.Info("pruned expired sessions", zap.Int64("count", n))
				}
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}
