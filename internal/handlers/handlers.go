// Package handlers provides HTTP request handlers
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"engage-backend/internal/errors"
	"engage-backend/internal/logger"
	"engage-backend/internal/metrics"
	"engage-backend/internal/models"
	"engage-backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	services *service.Services
}

// New creates a new handlers instance
func New(services *service.Services) *Handlers {
	return &Handlers{
		services: services,
	}
}

// Catalog handlers

// ListServices handles GET /services
func (h *Handlers) ListServices(c *gin.Context) {
	services := h.services.Catalog.ListServices(models.ServiceFilter{
		Category: c.Query("category"),
		Search:   c.Query("search"),
	})

	c.JSON(http.StatusOK, gin.H{
		"services":   services,
		"categories": h.services.Catalog.Categories(),
		"count":      len(services),
	})
}

// GetService handles GET /services/:id
func (h *Handlers) GetService(c *gin.Context) {
	svc, err := h.services.Catalog.GetService(c.Param("id"))
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, svc)
}

// Order handlers

// CreateOrder handles POST /orders
func (h *Handlers) CreateOrder(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("Invalid request body")
		h.respondWithError(c, bindError(err))
		return
	}

	order, err := h.services.Order.CreateOrder(ctx, &req)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// GetOrder handles GET /orders/:id; ?refresh=true asks upstream first
func (h *Handlers) GetOrder(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}

	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
	status, err := h.services.Order.GetOrderStatus(c.Request.Context(), id, refresh)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// ListOrders handles GET /orders
func (h *Handlers) ListOrders(c *gin.Context) {
	ctx := c.Request.Context()

	// Parse query parameters
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	var states []models.OrderState
	for _, raw := range c.QueryArray("state") {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			state, ok := models.ParseOrderState(name)
			if !ok {
				h.respondWithError(c, errors.NewValidationError("Unknown order state: "+name))
				return
			}
			states = append(states, state)
		}
	}

	orders, err := h.services.Order.ListOrders(ctx, states, limit, offset)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"limit":  limit,
		"offset": offset,
	})
}

// BulkStatus handles POST /orders/status
func (h *Handlers) BulkStatus(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.BulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("Invalid request body")
		h.respondWithError(c, bindError(err))
		return
	}

	result, err := h.services.Order.BulkStatus(ctx, req.OrderIDs)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": result})
}

// CancelOrder handles POST /orders/:id/cancel
func (h *Handlers) CancelOrder(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}

	status, err := h.services.Order.CancelOrder(c.Request.Context(), id)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// Payment handlers

// CreatePayment handles POST /orders/:id/payment
func (h *Handlers) CreatePayment(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}

	payment, err := h.services.Payment.CreatePaymentForOrder(c.Request.Context(), id)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

// GetPayment handles GET /orders/:id/payment
func (h *Handlers) GetPayment(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}

	status, err := h.services.Payment.GetPaymentStatus(c.Request.Context(), id)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// CheckPayment handles POST /orders/:id/payment/check
func (h *Handlers) CheckPayment(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}

	status, err := h.services.Payment.CheckPayment(c.Request.Context(), id)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// Health handlers

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	ctx := c.Request.Context()

	health, err := h.services.Health.Check(ctx)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	// a degraded service still takes traffic
	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// NotFound answers requests that match no route
func (h *Handlers) NotFound(c *gin.Context) {
	h.respondWithError(c, errors.NewAppError(errors.ErrCodeNotFound, "Route not found", http.StatusNotFound).
		WithDetails("%s %s", c.Request.Method, c.Request.URL.Path))
}

// Middleware

// RequestID middleware adds a request ID to the context, reusing the
// caller's X-Request-ID when present
func (h *Handlers) RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Add to context
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", requestID)

		// Add to response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// Logger middleware logs HTTP requests and records request metrics
func (h *Handlers) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Log request
		latency := time.Since(start)

		// the route template keeps label cardinality bounded
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())

		if raw != "" {
			path = path + "?" + raw
		}

		logger.WithRequest(
			c.GetString("request_id"),
			c.Request.Method,
			path,
		).WithFields(map[string]interface{}{
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"ip":         c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}).Info("HTTP request processed")
	}
}

// ErrorHandler middleware handles panics and converts them to errors
func (h *Handlers) ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithContext(c.Request.Context()).
					WithField("error", err).
					Error("Panic recovered")

				h.respondWithError(c, errors.ErrInternalError)
				c.Abort()
			}
		}()

		c.Next()
	}
}

// CORS middleware handles Cross-Origin Resource Sharing
func (h *Handlers) CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// MetricsHandler returns Prometheus metrics
func (h *Handlers) MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// Helper methods

// orderID parses the :id path parameter, answering 404 for anything that is
// not an order id. The id is put on the request context for logging.
func (h *Handlers) orderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.respondWithError(c, errors.ErrOrderNotFound.WithDetails("%q is not an order id", c.Param("id")))
		return uuid.Nil, false
	}
	c.Request = c.Request.WithContext(logger.ContextWithOrderID(c.Request.Context(), id.String()))
	return id, true
}

// bindError maps a request binding failure onto the API's error codes
func bindError(err error) *errors.AppError {
	msg := err.Error()
	if strings.Contains(msg, "'required'") {
		return errors.ErrMissingField.WithDetails("%s", msg)
	}
	return errors.NewValidationError("Invalid request body: " + msg)
}

// respondWithError responds with an error in a consistent format
func (h *Handlers) respondWithError(c *gin.Context, err error) {
	statusCode := errors.GetStatusCode(err)
	response := errors.ToErrorResponse(err)

	if statusCode >= http.StatusInternalServerError {
		logger.WithContext(c.Request.Context()).WithError(err).Error("Request failed")
	}

	c.JSON(statusCode, response)
}
