// Package routes provides HTTP route configuration
package routes

import (
	"engage-backend/internal/handlers"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all HTTP routes
func SetupRoutes(h *handlers.Handlers) *gin.Engine {
	// Create Gin router
	router := gin.New()

	// Add middleware
	router.Use(h.RequestID())
	router.Use(h.Logger())
	router.Use(h.ErrorHandler())
	router.Use(h.CORS())

	// Health check
	router.GET("/health", h.Health)

	// Metrics endpoint
	router.GET("/metrics", h.MetricsHandler())

	// Catalog routes
	serviceGroup := router.Group("/services")
	{
		serviceGroup.GET("", h.ListServices)
		serviceGroup.GET("/:id", h.GetService)
	}

	// Order routes
	orderGroup := router.Group("/orders")
	{
		orderGroup.POST("", h.CreateOrder)
		orderGroup.GET("", h.ListOrders)
		orderGroup.POST("/status", h.BulkStatus)
		orderGroup.GET("/:id", h.GetOrder)
		orderGroup.POST("/:id/cancel", h.CancelOrder)

		// Payment routes
		orderGroup.POST("/:id/payment", h.CreatePayment)
		orderGroup.GET("/:id/payment", h.GetPayment)
		orderGroup.POST("/:id/payment/check", h.CheckPayment)
	}

	router.NoRoute(h.NotFound)

	return router
}
