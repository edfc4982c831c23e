package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/liliang-cn/askguard/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, logger, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close()

			shutdownTracing, err := app.SetupTracing(ctx, a.Config.Tracing)
			if err != nil {
				return err
			}
			defer func() {
				tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(tctx); err != nil {
					logger.Warn("Failed to flush traces", zap.Error(err))
				}
			}()

			if a.RateLimiter != nil {
				go func() {
					ticker := time.NewTicker(10 * time.Minute)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
							a.RateLimiter.Cleanup(time.Hour)
						}
					}
				}()
			}

			srv := &http.Server{
				Addr:         a.Config.Address(),
				Handler:      a.Router(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting AskGuard server",
					zap.String("address", a.Config.Address()),
					zap.String("vector_backend", a.Config.Vector.Backend),
					zap.String("cache_backend", a.Config.Cache.Backend),
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					logger.Error("Server failed", zap.Error(err))
					return err
				}
			case <-ctx.Done():
			}

			logger.Info("Shutting down server...")

			// Graceful shutdown
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			logger.Info("Server exited")
			return nil
		},
	}
}
