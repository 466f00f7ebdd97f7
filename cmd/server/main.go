// Package main is the entry point for the application
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"engage-backend/internal/catalog"
	"engage-backend/internal/config"
	"engage-backend/internal/database"
	"engage-backend/internal/gateway"
	"engage-backend/internal/handlers"
	"engage-backend/internal/logger"
	"engage-backend/internal/metrics"
	"engage-backend/internal/provider"
	"engage-backend/internal/repository"
	"engage-backend/internal/routes"
	"engage-backend/internal/service"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	logger.Info("Starting Engage Backend Service")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Open the order store
	repos, err := openStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open order store")
	}
	defer repos.Close()

	// Initialize metrics
	metrics.Init()

	// Upstream clients
	prov := provider.NewClient(&cfg.Provider)
	gw := gateway.NewClient(&cfg.Gateway)

	// Load the catalog before taking orders; a failed first load is retried
	// by the refresh loop and orders are refused until it succeeds
	cat := catalog.New(prov, &cfg.Catalog)
	if err := cat.Refresh(ctx); err != nil {
		logger.WithError(err).Warn("Initial catalog load failed")
	}
	go cat.Run(ctx)

	// Initialize reconciliation
	store := service.NewOrderStore(cat, repos)
	reconciler := service.NewReconciler(store, gw, prov, &cfg.Reconcile)
	if err := reconciler.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to resume in-flight orders")
	}
	defer reconciler.Shutdown()

	// Initialize services
	deps := &service.Dependencies{
		Catalog:    cat,
		Repos:      repos,
		Store:      store,
		Gateway:    gw,
		Provider:   prov,
		Reconciler: reconciler,
	}
	services := service.NewServices(deps)

	// Initialize handlers
	h := handlers.New(services)

	// Set Gin mode
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup routes
	router := routes.SetupRoutes(h)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server shutdown complete")
	}

	// stops the catalog loop; the deferred calls then drain the watches and
	// close the store
	stop()
}

func openStore(ctx context.Context, cfg *config.Config) (*repository.Repositories, error) {
	if cfg.Store.Driver != config.StoreDriverPostgres {
		logger.Info("Using in-memory order store")
		return repository.NewMemory(), nil
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, err
	}
	repos, err := repository.NewPostgres(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repos, nil
}
