package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/askchat/internal/api"
	"github.com/liliang-cn/askchat/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serve a CORS relay in front of the backend",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			target, err := url.Parse(a.cfg.RelayTarget())
			if err != nil {
				return fmt.Errorf("invalid relay target: %w", err)
			}

			if !debug {
				gin.SetMode(gin.ReleaseMode)
			}
			router := api.SetupRouter(api.RouterConfig{
				Target:       target,
				APIKey:       a.cfg.Relay.APIKey,
				AllowOrigins: a.cfg.Relay.AllowOrigins,
				Gatherer:     a.registry,
				Metrics:      metrics.NewRelay(a.registry),
				Logger:       a.logger.Named("relay"),
			})

			// No write timeout: answer streams stay open as long as the backend sends.
			srv := &http.Server{
				Addr:        a.cfg.RelayAddress(),
				Handler:     router,
				ReadTimeout: 30 * time.Second,
				IdleTimeout: 120 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.Info("Starting relay",
					zap.String("address", srv.Addr),
					zap.String("target", target.String()),
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				a.logger.Info("Shutting down relay...")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				return err
			}
			a.logger.Info("Relay exited")
			return nil
		}),
	}
}
