// Package repository provides data access layer implementations.
//
// Two drivers implement the same interfaces: an in-memory store (the default)
// and a PostgreSQL store. Both serialize Update calls per record, which is what
// the order state machine relies on for compare-and-swap transitions.
package repository

import (
	"context"

	"engage-backend/internal/models"

	"github.com/google/uuid"
)

// OrderFilter narrows an order listing. Zero values mean no restriction.
type OrderFilter struct {
	States []models.OrderState
	Limit  int
	Offset int
}

func (f OrderFilter) matches(o *models.Order) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if o.State == s {
			return true
		}
	}
	return false
}

// OrderRepository handles order data operations
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// List returns orders newest first
	List(ctx context.Context, filter OrderFilter) ([]*models.Order, error)
	// Update loads the order, applies fn and stores the result, holding the
	// order exclusively for the duration. If fn fails nothing is stored. The
	// context passed to fn must be used for any nested repository call so
	// that it joins the same unit of work.
	Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, order *models.Order) error) (*models.Order, error)
}

// PaymentRepository handles payment record operations
type PaymentRepository interface {
	// Create fails with ErrAlreadyHasPendingPayment if the order already has
	// a pending payment
	Create(ctx context.Context, payment *models.PaymentRecord) error
	GetByID(ctx context.Context, paymentID string) (*models.PaymentRecord, error)
	// ListByOrder returns an order's payments newest first
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*models.PaymentRecord, error)
	Update(ctx context.Context, paymentID string, fn func(payment *models.PaymentRecord) error) (*models.PaymentRecord, error)
}

// Repositories bundles the stores of one driver with its lifecycle
type Repositories struct {
	Orders   OrderRepository
	Payments PaymentRepository

	driver string
	health func(ctx context.Context) error
	close  func() error
}

// Driver names the backing store
func (r *Repositories) Driver() string {
	return r.driver
}

// Health reports whether the backing store is reachable
func (r *Repositories) Health(ctx context.Context) error {
	if r.health == nil {
		return nil
	}
	return r.health(ctx)
}

// Close releases the backing store
func (r *Repositories) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
