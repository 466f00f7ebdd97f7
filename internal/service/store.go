package service

import (
	"context"
	"time"

	"engage-backend/internal/errors"
	"engage-backend/internal/logger"
	"engage-backend/internal/metrics"
	"engage-backend/internal/models"
	"engage-backend/internal/pricing"
	"engage-backend/internal/provider"
	"engage-backend/internal/repository"

	"github.com/google/uuid"
)

// Catalog resolves a service from a snapshot no older than the catalog TTL
type Catalog interface {
	Fresh(ctx context.Context, id string) (models.Service, error)
}

// OrderStore owns the order state machine. Every transition runs inside the
// repository's per-order Update, so two transitions of one order never
// interleave and each one sees the state left by the previous.
type OrderStore struct {
	catalog  Catalog
	orders   repository.OrderRepository
	payments repository.PaymentRepository
	now      func() time.Time
}

// NewOrderStore creates an order store
func NewOrderStore(catalog Catalog, repos *repository.Repositories) *OrderStore {
	return &OrderStore{
		catalog:  catalog,
		orders:   repos.Orders,
		payments: repos.Payments,
		now:      time.Now,
	}
}

// Create validates p against a fresh catalog entry, prices it and stores a
// CREATED order. Nothing is stored when any check fails.
func (s *OrderStore) Create(ctx context.Context, p models.OrderParams) (*models.Order, error) {
	order, err := s.create(ctx, p)
	if err != nil {
		code := "internal"
		if appErr, ok := errors.IsAppError(err); ok {
			code = appErr.Code
		}
		metrics.OrdersRejected.WithLabelValues(code).Inc()
		return nil, err
	}

	metrics.OrdersCreated.Inc()
	metrics.OrderTransitions.WithLabelValues(string(order.State)).Inc()
	logger.WithContext(ctx).
		WithField("order_id", order.ID).
		WithField("service_id", order.ServiceID).
		WithField("quantity", order.Quantity).
		WithField("charge", order.ChargeAmount).
		Info("Order created")

	return order, nil
}

func (s *OrderStore) create(ctx context.Context, p models.OrderParams) (*models.Order, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	svc, err := s.catalog.Fresh(ctx, p.ServiceID)
	if err != nil {
		return nil, err
	}

	order, err := models.NewOrder(p, svc, pricing.Price(svc, p.Units()), s.now())
	if err != nil {
		return nil, err
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// Get returns an order
func (s *OrderStore) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// List returns orders matching filter, newest first
func (s *OrderStore) List(ctx context.Context, filter repository.OrderFilter) ([]*models.Order, error) {
	return s.orders.List(ctx, filter)
}

// Payment returns a payment record
func (s *OrderStore) Payment(ctx context.Context, paymentID string) (*models.PaymentRecord, error) {
	return s.payments.GetByID(ctx, paymentID)
}

// AttachPayment records payment against a CREATED order and moves it to
// AWAITING_PAYMENT
func (s *OrderStore) AttachPayment(ctx context.Context, id uuid.UUID, payment *models.PaymentRecord) (*models.Order, error) {
	return s.update(ctx, id, func(ctx context.Context, o *models.Order) error {
		switch o.State {
		case models.OrderStateCreated:
		case models.OrderStateAwaitingPayment:
			return errors.ErrAlreadyHasPendingPayment.WithDetails("order %s is awaiting payment %s", o.ID, o.PaymentID)
		default:
			return errors.ErrInvalidTransition.WithDetails("order %s is %s, payment can only be created for %s orders",
				o.ID, o.State, models.OrderStateCreated)
		}
		if payment.OrderID != o.ID || payment.Amount != o.ChargeAmount {
			return errors.ErrPaymentCreationFailed.WithDetails("payment %s does not belong to order %s", payment.PaymentID, o.ID)
		}

		if err := s.payments.Create(ctx, payment); err != nil {
			return err
		}
		o.PaymentID = payment.PaymentID
		return o.Transition(models.OrderStateAwaitingPayment, s.now())
	})
}

// MarkSettled settles the order's payment and moves the order to
// PAYMENT_SETTLED. Repeated calls are no-ops.
func (s *OrderStore) MarkSettled(ctx context.Context, id uuid.UUID, paymentID string) (*models.Order, error) {
	return s.update(ctx, id, func(ctx context.Context, o *models.Order) error {
		if err := s.checkPayment(o, paymentID); err != nil {
			return err
		}
		now := s.now()
		alreadySettled := false
		if _, err := s.payments.Update(ctx, paymentID, func(p *models.PaymentRecord) error {
			alreadySettled = p.State == models.PaymentStateSettled
			return p.Resolve(models.PaymentStateSettled, "", now)
		}); err != nil {
			return err
		}

		if alreadySettled && o.State != models.OrderStateAwaitingPayment {
			return nil
		}
		return o.Transition(models.OrderStatePaymentSettled, now)
	})
}

// MarkPaymentTerminal records that the order's payment expired or failed and
// ends the order in the matching state
func (s *OrderStore) MarkPaymentTerminal(ctx context.Context, id uuid.UUID, paymentID string, state models.PaymentState, reason string) (*models.Order, error) {
	var target models.OrderState
	switch state {
	case models.PaymentStateExpired:
		target = models.OrderStateExpired
	case models.PaymentStateFailed:
		target = models.OrderStateFailed
	default:
		return nil, errors.ErrInvalidTransition.WithDetails("%s is not a terminal payment failure", state)
	}

	return s.update(ctx, id, func(ctx context.Context, o *models.Order) error {
		if err := s.checkPayment(o, paymentID); err != nil {
			return err
		}
		if o.State == target {
			return nil
		}
		now := s.now()
		if _, err := s.payments.Update(ctx, paymentID, func(p *models.PaymentRecord) error {
			return p.Resolve(state, reason, now)
		}); err != nil {
			return err
		}
		if err := o.Transition(target, now); err != nil {
			return err
		}
		o.FailureReason = reason
		return nil
	})
}

// BeginSubmit claims the right to submit the order to the provider by moving
// it from PAYMENT_SETTLED to SUBMITTING. Exactly one caller ever gets
// claimed == true for a given order.
func (s *OrderStore) BeginSubmit(ctx context.Context, id uuid.UUID) (*models.Order, bool, error) {
	claimed := false
	order, err := s.update(ctx, id, func(ctx context.Context, o *models.Order) error {
		claimed = false
		if o.State != models.OrderStatePaymentSettled {
			return nil
		}
		if err := o.Transition(models.OrderStateSubmitting, s.now()); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return order, claimed, nil
}

// RecordFulfillment stores the provider's order id and moves the order to
// FULFILLING
func (s *OrderStore) RecordFulfillment(ctx context.Context, id uuid.UUID, providerOrderID string) (*models.Order, error) {
	return s.update(ctx, id, func(ctx context.Context, o *models.Order) error {
		if o.State == models.OrderStateFulfilling && o.ProviderOrderID == providerOrderID {
			return nil
		}
		if err := o.Transition(models.OrderStateFulfilling, s.now()); err != nil {
			return err
		}
		o.ProviderOrderID = providerOrderID
		o.FailureReason = ""
		return nil
	})
}

// RecordRejection fails a SUBMITTING order the provider refused. The payment
// stays settled; refunds are handled outside this system.
func (s *OrderStore) RecordRejection(ctx context.Context, id uuid.UUID, reason string) (*models.Order, error) {
	return s.update(ctx, id, func(ctx context.Context, o *models.Order) error {
		if err := o.Transition(models.OrderStateFailed, s.now()); err != nil {
			return err
		}
		o.FailureReason = reason
		return nil
	})
}

// NoteSubmitUnknown records that the provider call's outcome is unknown. The
// order stays SUBMITTING and is never resubmitted automatically, since the
// provider may already have accepted it.
func (s *OrderStore) NoteSubmitUnknown(ctx context.Context, id uuid.UUID, reason string) (*models.Order, error) {
	return s.update(ctx, id, func(ctx context.Context, o *models.Order) error {
		if o.State != models.OrderStateSubmitting {
			return errors.ErrInvalidTransition.WithDetails("order %s is %s, not %s", o.ID, o.State, models.OrderStateSubmitting)
		}
		o.FailureReason = reason
		o.UpdatedAt = s.now()
		return nil
	})
}

// UpdateProgress mirrors the provider's delivery counters onto a FULFILLING
// order and finishes it when the provider does. Terminal orders are left
// untouched.
func (s *OrderStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress *provider.Progress) (*models.Order, error) {
	return s.update(ctx, id, func(ctx context.Context, o *models.Order) error {
		if o.State.IsTerminal() {
			return nil
		}
		if o.State != models.OrderStateFulfilling {
			return errors.ErrInvalidTransition.WithDetails("order %s is %s, not %s", o.ID, o.State, models.OrderStateFulfilling)
		}

		now := s.now()
		units := o.Units()
		remains := clamp(progress.Remains, 0, units)
		o.ProviderStatus = progress.Status
		o.StartCount = progress.StartCount
		o.RemainingCount = remains
		o.DeliveredCount = units - remains
		o.UpdatedAt = now

		switch progress.Phase() {
		case provider.PhaseCompleted:
			return o.Transition(models.OrderStateCompleted, now)
		case provider.PhaseCancelled:
			o.FailureReason = "provider reported " + progress.Status
			return o.Transition(models.OrderStateCancelled, now)
		}
		return nil
	})
}

// Cancel cancels an order the buyer has not started paying for
func (s *OrderStore) Cancel(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.update(ctx, id, func(ctx context.Context, o *models.Order) error {
		if o.State != models.OrderStateCreated {
			return errors.ErrInvalidTransition.WithDetails("order %s is %s, only %s orders can be cancelled",
				o.ID, o.State, models.OrderStateCreated)
		}
		o.FailureReason = "cancelled by buyer"
		return o.Transition(models.OrderStateCancelled, s.now())
	})
}

// update runs fn under the order's lock and records the transition, if any
func (s *OrderStore) update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, o *models.Order) error) (*models.Order, error) {
	var before models.OrderState
	order, err := s.orders.Update(ctx, id, func(ctx context.Context, o *models.Order) error {
		before = o.State
		return fn(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	if order.State != before {
		metrics.OrderTransitions.WithLabelValues(string(order.State)).Inc()
		logger.WithOrderID(order.ID.String()).
			WithField("from", before).
			WithField("to", order.State).
			Info("Order state changed")
	}
	return order, nil
}

func (s *OrderStore) checkPayment(o *models.Order, paymentID string) error {
	if o.PaymentID == "" || o.PaymentID != paymentID {
		return errors.ErrPaymentNotFound.WithDetails("payment %s does not belong to order %s", paymentID, o.ID)
	}
	return nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
