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

	"cord/api/internal/app"
	"cord/api/internal/retention"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST and websocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := openRuntime(ctx, true)
		if err != nil {
			return err
		}
		defer rt.Close()

		if cfg.DevAppID != "" {
			if _, err := rt.service.EnsureApplication(ctx, cfg.DevAppID, "Development", cfg.DevAppSecret); err != nil {
				logger.Warn("seeding development application failed", zap.Error(err))
			}
		}

		if cfg.RetentionCron != "" {
			job, err := retention.New(cfg.RetentionCron, cfg.NotificationRetention, rt.purger, logger)
			if err != nil {
				return err
			}
			go job.Run(ctx)
		}

		httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin, logger)
		// No WriteTimeout: websocket streams stay open.
		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           httpServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("cord api listening", zap.String("addr", cfg.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	},
}
