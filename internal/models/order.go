package models

import (
	"math"
	"net/url"
	"strings"
	"time"

	"engage-backend/internal/errors"

	"github.com/google/uuid"
)

// OrderState represents the lifecycle state of an order
type OrderState string

const (
	OrderStateCreated         OrderState = "CREATED"
	OrderStateAwaitingPayment OrderState = "AWAITING_PAYMENT"
	OrderStatePaymentSettled  OrderState = "PAYMENT_SETTLED"
	OrderStateSubmitting      OrderState = "SUBMITTING"
	OrderStateFulfilling      OrderState = "FULFILLING"
	OrderStateCompleted       OrderState = "COMPLETED"
	OrderStateFailed          OrderState = "FAILED"
	OrderStateExpired         OrderState = "EXPIRED"
	OrderStateCancelled       OrderState = "CANCELLED"
)

// orderTransitions lists every permitted edge of the order state machine
var orderTransitions = map[OrderState][]OrderState{
	OrderStateCreated:         {OrderStateAwaitingPayment, OrderStateCancelled},
	OrderStateAwaitingPayment: {OrderStatePaymentSettled, OrderStateExpired, OrderStateFailed},
	OrderStatePaymentSettled:  {OrderStateSubmitting},
	OrderStateSubmitting:      {OrderStateFulfilling, OrderStateFailed},
	OrderStateFulfilling:      {OrderStateCompleted, OrderStateCancelled},
}

// CanTransitionTo reports whether next is reachable from s in one step
func (s OrderState) CanTransitionTo(next OrderState) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateCompleted, OrderStateFailed, OrderStateExpired, OrderStateCancelled:
		return true
	}
	return false
}

// ParseOrderState parses a state name, case-insensitively
func ParseOrderState(s string) (OrderState, bool) {
	state := OrderState(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := orderTransitions[state]; ok || state.IsTerminal() {
		return state, true
	}
	return "", false
}

// Order represents a buyer's purchase of a service
type Order struct {
	ID              uuid.UUID  `json:"id"`
	ServiceID       string     `json:"service_id"`
	ServiceName     string     `json:"service_name"`
	Link            string     `json:"link"`
	Quantity        int64      `json:"quantity"`
	Runs            int64      `json:"runs,omitempty"`     // drip-feed runs, 0 or 1 means a single delivery
	Interval        int64      `json:"interval,omitempty"` // minutes between drip-feed runs
	ChargeAmount    int64      `json:"charge_amount"`
	State           OrderState `json:"state"`
	PaymentID       string     `json:"payment_id,omitempty"`
	ProviderOrderID string     `json:"provider_order_id,omitempty"`
	ProviderStatus  string     `json:"provider_status,omitempty"`
	StartCount      int64      `json:"start_count"`
	DeliveredCount  int64      `json:"delivered_count"`
	RemainingCount  int64      `json:"remaining_count"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// MaxRuns bounds the number of drip-feed runs on one order
const MaxRuns = 1000

// OrderParams carries the buyer's input for a new order
type OrderParams struct {
	ServiceID string
	Link      string
	Quantity  int64
	Runs      int64
	Interval  int64
}

// Units is the total number of units the provider will deliver
func (p OrderParams) Units() int64 {
	if p.Runs > 1 {
		return p.Quantity * p.Runs
	}
	return p.Quantity
}

// Validate checks the input independent of any catalog entry
func (p OrderParams) Validate() error {
	if strings.TrimSpace(p.ServiceID) == "" {
		return errors.ErrMissingField.WithDetails("service_id is required")
	}
	if strings.TrimSpace(p.Link) == "" {
		return errors.ErrMissingField.WithDetails("link is required")
	}
	if p.Quantity <= 0 {
		return errors.ErrMissingField.WithDetails("quantity is required")
	}
	if p.Runs < 0 || p.Interval < 0 {
		return errors.NewValidationError("runs and interval must not be negative")
	}
	if p.Runs > MaxRuns {
		return errors.NewValidationError("runs exceeds the drip-feed limit")
	}
	if p.Runs > 1 && p.Interval == 0 {
		return errors.ErrMissingField.WithDetails("interval is required for drip-feed orders")
	}
	if p.Runs > 1 && p.Quantity > math.MaxInt64/p.Runs {
		return errors.ErrQuantityOutOfRange.WithDetails("quantity %d over %d runs is too large", p.Quantity, p.Runs)
	}
	return ValidateLink(p.Link)
}

// ValidateLink accepts only absolute http(s) URLs with a host
func ValidateLink(link string) error {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.ErrInvalidLink.WithDetails("%q is not a valid link", link)
	}
	return nil
}

// NewOrder builds an order in CREATED state. The quantity must lie within the
// service's bounds; charge is fixed here and never recomputed.
func NewOrder(p OrderParams, svc Service, charge int64, now time.Time) (*Order, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ServiceID != svc.ID {
		return nil, errors.ErrInvalidService.WithDetails("service %s does not match catalog entry %s", p.ServiceID, svc.ID)
	}
	if !svc.InRange(p.Quantity) {
		return nil, errors.ErrQuantityOutOfRange.WithDetails(
			"quantity %d is outside [%d, %d] for service %s", p.Quantity, svc.Min, svc.Max, svc.ID)
	}
	if charge <= 0 {
		return nil, errors.ErrInvalidService.WithDetails("service %s priced %d units at %d", svc.ID, p.Units(), charge)
	}

	return &Order{
		ID:             uuid.New(),
		ServiceID:      svc.ID,
		ServiceName:    svc.Name,
		Link:           strings.TrimSpace(p.Link),
		Quantity:       p.Quantity,
		Runs:           p.Runs,
		Interval:       p.Interval,
		ChargeAmount:   charge,
		State:          OrderStateCreated,
		RemainingCount: p.Units(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Units is the total number of units ordered
func (o *Order) Units() int64 {
	return OrderParams{Quantity: o.Quantity, Runs: o.Runs}.Units()
}

// Transition moves the order to next if the state machine allows it
func (o *Order) Transition(next OrderState, now time.Time) error {
	if !o.State.CanTransitionTo(next) {
		return errors.ErrInvalidTransition.WithDetails("order %s cannot move from %s to %s", o.ID, o.State, next)
	}
	o.State = next
	o.UpdatedAt = now
	return nil
}

// Clone returns a copy safe to hand out of a repository
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	ServiceID string `json:"service_id" binding:"required"`
	Link      string `json:"link" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required,min=1"`
	Runs      int64  `json:"runs" binding:"omitempty,min=0,max=1000"`
	Interval  int64  `json:"interval" binding:"omitempty,min=0"`
}

// Params converts the request to order parameters
func (r *CreateOrderRequest) Params() OrderParams {
	return OrderParams{
		ServiceID: r.ServiceID,
		Link:      r.Link,
		Quantity:  r.Quantity,
		Runs:      r.Runs,
		Interval:  r.Interval,
	}
}

// CreateOrderResponse is returned by createOrder
type CreateOrderResponse struct {
	OrderID           uuid.UUID  `json:"order_id"`
	Amount            int64      `json:"amount"`
	State             OrderState `json:"state"`
	EstimatedDelivery string     `json:"estimated_delivery"`
}

// OrderStatusResponse is returned by getOrderStatus
type OrderStatusResponse struct {
	OrderID         uuid.UUID  `json:"order_id"`
	State           OrderState `json:"state"`
	ProviderStatus  string     `json:"provider_status,omitempty"`
	DeliveredCount  int64      `json:"delivered_count"`
	RemainingCount  int64      `json:"remaining_count"`
	StartCount      int64      `json:"start_count"`
	Amount          int64      `json:"amount"`
	ProviderOrderID string     `json:"provider_order_id,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// StatusOf builds the status view of an order
func StatusOf(o *Order) *OrderStatusResponse {
	return &OrderStatusResponse{
		OrderID:         o.ID,
		State:           o.State,
		ProviderStatus:  o.ProviderStatus,
		DeliveredCount:  o.DeliveredCount,
		RemainingCount:  o.RemainingCount,
		StartCount:      o.StartCount,
		Amount:          o.ChargeAmount,
		ProviderOrderID: o.ProviderOrderID,
		FailureReason:   o.FailureReason,
		UpdatedAt:       o.UpdatedAt,
	}
}

// BulkStatusRequest asks for the status of several orders at once
type BulkStatusRequest struct {
	OrderIDs []string `json:"order_ids" binding:"required,min=1,max=100"`
}

// BulkStatusEntry is one entry of a bulk status reply; exactly one of
// Status and Error is set.
type BulkStatusEntry struct {
	Status *OrderStatusResponse `json:"status,omitempty"`
	Error  string               `json:"error,omitempty"`
}
