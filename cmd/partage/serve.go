package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vdust/partage/internal/api"
	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/manager"
	"github.com/vdust/partage/internal/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := a.cfg
	logging.Info("partage server starting...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("root", cfg.Storage.Root))

	mgr, err := a.manager(ctx)
	if err != nil {
		return err
	}

	srv := api.NewServer(mgr, api.Options{
		UserHeader:    cfg.Server.UserHeader,
		MaxUploadSize: cfg.Server.MaxUploadSize,
	})

	// Start metrics server
	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// Start periodic trash auto-purge
	if cfg.Storage.TrashRetention > 0 {
		go purgeLoop(ctx, mgr, cfg.Storage.PurgeInterval, cfg.Storage.TrashRetention)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	logging.Info("shutting down...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("forced shutdown", zap.Error(err))
		return httpServer.Close()
	}
	return nil
}

func purgeLoop(ctx context.Context, mgr *manager.Manager, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := mgr.Trash().Purge(ctx, retention)
			if err != nil {
				logging.Error("trash auto-purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logging.Info("trash auto-purge completed", zap.Int("purged", n))
			}
		}
	}
}
