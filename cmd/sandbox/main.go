// Package main runs the fake fulfillment provider and payment gateway for
// local development. Point PROVIDER_URL and GATEWAY_URL of the server at the
// printed addresses and use SANDBOX_API_KEY as both API keys.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"engage-backend/internal/config"
	"engage-backend/internal/logger"
	"engage-backend/internal/sandbox"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	panel := sandbox.NewProvider(cfg.Sandbox.APIKey, cfg.Sandbox.DeliverPercent)
	deposits := sandbox.NewGateway(cfg.Sandbox.APIKey, cfg.Sandbox.SettleAfter, cfg.Gateway.DefaultTTL)

	servers := []*http.Server{
		{Addr: ":" + cfg.Sandbox.ProviderPort, Handler: panel.Handler()},
		{Addr: ":" + cfg.Sandbox.GatewayPort, Handler: deposits.Handler()},
	}

	logger.Infof("Sandbox provider on http://localhost:%s/api/v2", cfg.Sandbox.ProviderPort)
	logger.Infof("Sandbox gateway on http://localhost:%s", cfg.Sandbox.GatewayPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Sandbox server forced to shutdown")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Sandbox stopped")
	}
	logger.Info("Sandbox shutdown complete")
}
