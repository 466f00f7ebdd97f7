package repository

import (
	"context"
	"sort"
	"sync"

	"engage-backend/internal/config"
	"engage-backend/internal/errors"
	"engage-backend/internal/models"

	"github.com/google/uuid"
)

// NewMemory creates in-memory repositories. Records are copied on the way in
// and out, so callers never share state with the store.
func NewMemory() *Repositories {
	return &Repositories{
		Orders:   newMemoryOrderRepository(),
		Payments: newMemoryPaymentRepository(),
		driver:   config.StoreDriverMemory,
	}
}

type orderEntry struct {
	mu    sync.Mutex
	order *models.Order
}

// memoryOrderRepository implements OrderRepository
type memoryOrderRepository struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*orderEntry
}

func newMemoryOrderRepository() *memoryOrderRepository {
	return &memoryOrderRepository{entries: make(map[uuid.UUID]*orderEntry)}
}

func (r *memoryOrderRepository) Create(ctx context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[order.ID]; exists {
		return errors.ErrDuplicateOrder.WithDetails("order %s already exists", order.ID)
	}
	r.entries[order.ID] = &orderEntry{order: order.Clone()}
	return nil
}

func (r *memoryOrderRepository) entry(id uuid.UUID) (*orderEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, errors.ErrOrderNotFound.WithDetails("order %s not found", id)
	}
	return e, nil
}

func (r *memoryOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Clone(), nil
}

func (r *memoryOrderRepository) List(ctx context.Context, filter OrderFilter) ([]*models.Order, error) {
	r.mu.RLock()
	entries := make([]*orderEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	orders := make([]*models.Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		o := e.order.Clone()
		e.mu.Unlock()
		if filter.matches(o) {
			orders = append(orders, o)
		}
	}

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID.String() < orders[j].ID.String()
	})

	return paginate(orders, filter.Limit, filter.Offset), nil
}

func (r *memoryOrderRepository) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, order *models.Order) error) (*models.Order, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	working := e.order.Clone()
	if err := fn(ctx, working); err != nil {
		return nil, err
	}
	e.order = working
	return working.Clone(), nil
}

type paymentEntry struct {
	mu      sync.Mutex
	payment *models.PaymentRecord
}

// memoryPaymentRepository implements PaymentRepository
type memoryPaymentRepository struct {
	mu      sync.RWMutex
	entries map[string]*paymentEntry
	byOrder map[uuid.UUID][]string
}

func newMemoryPaymentRepository() *memoryPaymentRepository {
	return &memoryPaymentRepository{
		entries: make(map[string]*paymentEntry),
		byOrder: make(map[uuid.UUID][]string),
	}
}

func (r *memoryPaymentRepository) Create(ctx context.Context, payment *models.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[payment.PaymentID]; exists {
		return errors.ErrPaymentCreationFailed.WithDetails("payment %s already recorded", payment.PaymentID)
	}
	for _, id := range r.byOrder[payment.OrderID] {
		e := r.entries[id]
		e.mu.Lock()
		pending := e.payment.State == models.PaymentStatePending
		e.mu.Unlock()
		if pending {
			return errors.ErrAlreadyHasPendingPayment.WithDetails("order %s already has pending payment %s", payment.OrderID, id)
		}
	}

	r.entries[payment.PaymentID] = &paymentEntry{payment: payment.Clone()}
	r.byOrder[payment.OrderID] = append(r.byOrder[payment.OrderID], payment.PaymentID)
	return nil
}

func (r *memoryPaymentRepository) entry(paymentID string) (*paymentEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[paymentID]
	if !ok {
		return nil, errors.ErrPaymentNotFound.WithDetails("payment %s not found", paymentID)
	}
	return e, nil
}

func (r *memoryPaymentRepository) GetByID(ctx context.Context, paymentID string) (*models.PaymentRecord, error) {
	e, err := r.entry(paymentID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payment.Clone(), nil
}

func (r *memoryPaymentRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*models.PaymentRecord, error) {
	r.mu.RLock()
	ids := append([]string(nil), r.byOrder[orderID]...)
	entries := make([]*paymentEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	payments := make([]*models.PaymentRecord, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		e.mu.Lock()
		payments = append(payments, e.payment.Clone())
		e.mu.Unlock()
	}
	return payments, nil
}

func (r *memoryPaymentRepository) Update(ctx context.Context, paymentID string, fn func(payment *models.PaymentRecord) error) (*models.PaymentRecord, error) {
	e, err := r.entry(paymentID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.payment.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.payment = working
	return working.Clone(), nil
}
