// Package service provides business logic implementation
package service

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"engage-backend/internal/catalog"
	"engage-backend/internal/errors"
	"engage-backend/internal/logger"
	"engage-backend/internal/models"
	"engage-backend/internal/pricing"
	"engage-backend/internal/repository"

	"github.com/google/uuid"
)

// OrderService handles order business logic
type OrderService interface {
	CreateOrder(ctx context.Context, req *models.CreateOrderRequest) (*models.CreateOrderResponse, error)
	GetOrderStatus(ctx context.Context, id uuid.UUID, refresh bool) (*models.OrderStatusResponse, error)
	ListOrders(ctx context.Context, states []models.OrderState, limit, offset int) ([]*models.Order, error)
	BulkStatus(ctx context.Context, ids []string) (map[string]models.BulkStatusEntry, error)
	CancelOrder(ctx context.Context, id uuid.UUID) (*models.OrderStatusResponse, error)
}

// PaymentService handles the payment side of an order
type PaymentService interface {
	CreatePaymentForOrder(ctx context.Context, id uuid.UUID) (*models.PaymentResponse, error)
	GetPaymentStatus(ctx context.Context, id uuid.UUID) (*models.PaymentStatusResponse, error)
	CheckPayment(ctx context.Context, id uuid.UUID) (*models.PaymentStatusResponse, error)
}

// CatalogService exposes the priced service list
type CatalogService interface {
	ListServices(filter models.ServiceFilter) []models.Service
	GetService(id string) (models.Service, error)
	Categories() []string
}

// HealthService handles health check logic
type HealthService interface {
	Check(ctx context.Context) (*models.HealthCheck, error)
}

// Services contains all service implementations
type Services struct {
	Order   OrderService
	Payment PaymentService
	Catalog CatalogService
	Health  HealthService
}

// Dependencies contains service dependencies
type Dependencies struct {
	Catalog    *catalog.Catalog
	Repos      *repository.Repositories
	Store      *OrderStore
	Gateway    PaymentGateway
	Provider   FulfillmentProvider
	Reconciler *Reconciler
}

// NewServices creates a new services instance
func NewServices(deps *Dependencies) *Services {
	return &Services{
		Order:   NewOrderService(deps),
		Payment: NewPaymentService(deps),
		Catalog: NewCatalogService(deps),
		Health:  NewHealthService(deps),
	}
}

// orderService implements OrderService
type orderService struct {
	store      *OrderStore
	provider   FulfillmentProvider
	reconciler *Reconciler
}

// NewOrderService creates a new order service
func NewOrderService(deps *Dependencies) OrderService {
	return &orderService{
		store:      deps.Store,
		provider:   deps.Provider,
		reconciler: deps.Reconciler,
	}
}

func (s *orderService) CreateOrder(ctx context.Context, req *models.CreateOrderRequest) (*models.CreateOrderResponse, error) {
	order, err := s.store.Create(ctx, req.Params())
	if err != nil {
		logger.WithContext(ctx).WithError(err).WithField("service_id", req.ServiceID).Warn("Order rejected")
		return nil, err
	}

	return &models.CreateOrderResponse{
		OrderID:           order.ID,
		Amount:            order.ChargeAmount,
		State:             order.State,
		EstimatedDelivery: pricing.EstimateDelivery(order.Units()),
	}, nil
}

func (s *orderService) GetOrderStatus(ctx context.Context, id uuid.UUID, refresh bool) (*models.OrderStatusResponse, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if refresh {
		var refreshed *models.Order
		switch order.State {
		case models.OrderStateAwaitingPayment, models.OrderStatePaymentSettled:
			refreshed, err = s.reconciler.CheckPayment(ctx, id)
		case models.OrderStateFulfilling:
			refreshed, err = s.reconciler.RefreshProgress(ctx, id)
		}
		if err != nil {
			logger.WithContext(ctx).WithError(err).WithField("order_id", id).Warn("Order refresh failed")
		} else if refreshed != nil {
			order = refreshed
		}
	}

	return models.StatusOf(order), nil
}

func (s *orderService) ListOrders(ctx context.Context, states []models.OrderState, limit, offset int) ([]*models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20 // Default limit
	}
	if offset < 0 {
		offset = 0
	}

	orders, err := s.store.List(ctx, repository.OrderFilter{States: states, Limit: limit, Offset: offset})
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to list orders")
		return nil, err
	}

	return orders, nil
}

// BulkStatus reports several orders at once, refreshing those being
// delivered with a single provider call. A provider failure falls back to
// the stored progress.
func (s *orderService) BulkStatus(ctx context.Context, ids []string) (map[string]models.BulkStatusEntry, error) {
	result := make(map[string]models.BulkStatusEntry, len(ids))
	orders := make(map[string]*models.Order, len(ids))
	byProvider := make(map[string]string)

	for _, raw := range ids {
		key := strings.TrimSpace(raw)
		id, err := uuid.Parse(key)
		if err != nil {
			result[raw] = models.BulkStatusEntry{Error: errors.ErrOrderNotFound.WithDetails("%q is not an order id", raw).Error()}
			continue
		}
		order, err := s.store.Get(ctx, id)
		if err != nil {
			result[raw] = models.BulkStatusEntry{Error: err.Error()}
			continue
		}
		orders[raw] = order
		if order.State == models.OrderStateFulfilling && order.ProviderOrderID != "" {
			byProvider[order.ProviderOrderID] = raw
		}
	}

	if len(byProvider) > 0 {
		providerIDs := make([]string, 0, len(byProvider))
		for pid := range byProvider {
			providerIDs = append(providerIDs, pid)
		}
		progress, err := s.provider.MultiProgress(ctx, providerIDs)
		if err != nil {
			logger.WithContext(ctx).WithError(err).Warn("Bulk progress query failed, serving stored status")
		}
		for pid, res := range progress {
			raw, ok := byProvider[pid]
			if !ok || res.Err != nil || res.Progress == nil {
				continue
			}
			updated, err := s.store.UpdateProgress(ctx, orders[raw].ID, res.Progress)
			if err != nil {
				logger.WithContext(ctx).WithError(err).WithField("order_id", orders[raw].ID).Warn("Failed to apply progress")
				continue
			}
			orders[raw] = updated
		}
	}

	for raw, order := range orders {
		result[raw] = models.BulkStatusEntry{Status: models.StatusOf(order)}
	}
	return result, nil
}

func (s *orderService) CancelOrder(ctx context.Context, id uuid.UUID) (*models.OrderStatusResponse, error) {
	order, err := s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.reconciler.Stop(id)

	logger.WithContext(ctx).WithField("order_id", id).Info("Order cancelled by buyer")
	return models.StatusOf(order), nil
}

// paymentService implements PaymentService
type paymentService struct {
	store      *OrderStore
	gateway    PaymentGateway
	reconciler *Reconciler
	inflight   sync.Map // map[uuid.UUID]struct{}
	now        func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(deps *Dependencies) PaymentService {
	return &paymentService{
		store:      deps.Store,
		gateway:    deps.Gateway,
		reconciler: deps.Reconciler,
		now:        time.Now,
	}
}

// CreatePaymentForOrder issues a QRIS payment for a CREATED order and starts
// watching it. If the gateway fails the order stays CREATED and the buyer may
// try again.
func (s *paymentService) CreatePaymentForOrder(ctx context.Context, id uuid.UUID) (*models.PaymentResponse, error) {
	// the gateway call happens outside the order lock, so concurrent requests
	// for one order are turned away here instead of creating two payments
	if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
		return nil, errors.ErrPaymentInFlight.WithDetails("payment for order %s is being created", id)
	}
	defer s.inflight.Delete(id)

	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch order.State {
	case models.OrderStateCreated:
	case models.OrderStateAwaitingPayment:
		return nil, errors.ErrAlreadyHasPendingPayment.WithDetails("order %s is awaiting payment %s", id, order.PaymentID)
	default:
		return nil, errors.ErrInvalidTransition.WithDetails("order %s is %s, payment can only be created for %s orders",
			id, order.State, models.OrderStateCreated)
	}

	log := logger.WithContext(ctx).WithField("order_id", id)

	payment, err := s.gateway.CreatePayment(ctx, id.String(), order.ChargeAmount)
	if err != nil {
		log.WithError(err).Warn("Payment creation failed")
		return nil, err
	}

	record, err := models.NewPaymentRecord(order, payment.ID, payment.ReffID, payment.Amount, payment.Fee,
		payment.QRString, payment.ExpiresAt, s.now())
	if err != nil {
		log.WithError(err).Warn("Gateway returned an unusable payment")
		return nil, err
	}

	if _, err := s.store.AttachPayment(ctx, id, record); err != nil {
		log.WithError(err).Error("Failed to attach payment")
		return nil, err
	}

	s.reconciler.Watch(id)

	log.WithField("payment_id", record.PaymentID).
		WithField("amount", record.Amount).
		WithField("expires_at", record.ExpiresAt).
		Info("Payment created")

	return &models.PaymentResponse{
		OrderID:    id,
		PaymentID:  record.PaymentID,
		QRString:   record.QRString,
		QRImageURL: s.gateway.QRImageURL(record.QRString),
		Amount:     record.Amount,
		Fee:        record.Fee,
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

func (s *paymentService) GetPaymentStatus(ctx context.Context, id uuid.UUID) (*models.PaymentStatusResponse, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.paymentStatus(ctx, order)
}

// CheckPayment is the buyer's "I have paid" button: it polls the gateway now
// instead of waiting for the next tick
func (s *paymentService) CheckPayment(ctx context.Context, id uuid.UUID) (*models.PaymentStatusResponse, error) {
	order, err := s.reconciler.CheckPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.paymentStatus(ctx, order)
}

func (s *paymentService) paymentStatus(ctx context.Context, order *models.Order) (*models.PaymentStatusResponse, error) {
	if order.PaymentID == "" {
		return nil, errors.ErrPaymentNotFound.WithDetails("order %s has no payment", order.ID)
	}
	payment, err := s.store.Payment(ctx, order.PaymentID)
	if err != nil {
		return nil, err
	}
	return &models.PaymentStatusResponse{
		OrderID:    order.ID,
		PaymentID:  payment.PaymentID,
		State:      payment.State,
		OrderState: order.State,
		ExpiresAt:  payment.ExpiresAt,
	}, nil
}

// catalogService implements CatalogService
type catalogService struct {
	catalog *catalog.Catalog
}

// NewCatalogService creates a new catalog service
func NewCatalogService(deps *Dependencies) CatalogService {
	return &catalogService{catalog: deps.Catalog}
}

func (s *catalogService) ListServices(filter models.ServiceFilter) []models.Service {
	return s.catalog.List(filter)
}

func (s *catalogService) GetService(id string) (models.Service, error) {
	return s.catalog.Get(id)
}

func (s *catalogService) Categories() []string {
	return s.catalog.Categories()
}

// healthService implements HealthService
type healthService struct {
	catalog    *catalog.Catalog
	repos      *repository.Repositories
	reconciler *Reconciler
}

// NewHealthService creates a new health service
func NewHealthService(deps *Dependencies) HealthService {
	return &healthService{
		catalog:    deps.Catalog,
		repos:      deps.Repos,
		reconciler: deps.Reconciler,
	}
}

var startTime = time.Now()

func (s *healthService) Check(ctx context.Context) (*models.HealthCheck, error) {
	checks := make(map[string]string)
	status := "healthy"

	// Check store
	if err := s.repos.Health(ctx); err != nil {
		checks[s.repos.Driver()] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		checks[s.repos.Driver()] = "healthy"
	}

	// A stale catalog still serves listings but blocks new orders
	switch {
	case s.catalog.Len() == 0:
		checks["catalog"] = "unhealthy: no services loaded"
		status = "unhealthy"
	case s.catalog.Stale():
		checks["catalog"] = "degraded: snapshot from " + s.catalog.FetchedAt().Format(time.RFC3339)
		if status == "healthy" {
			status = "degraded"
		}
	default:
		checks["catalog"] = "healthy"
	}

	checks["watches"] = strconv.Itoa(s.reconciler.ActiveWatches())

	return &models.HealthCheck{
		Status:    status,
		Version:   "1.0.0",
		Checks:    checks,
		Uptime:    time.Since(startTime).String(),
		Timestamp: time.Now(),
	}, nil
}
