package models

import (
	"strings"
	"time"

	"engage-backend/internal/errors"

	"github.com/google/uuid"
)

// PaymentState represents the lifecycle state of a payment record
type PaymentState string

const (
	PaymentStatePending PaymentState = "PENDING"
	PaymentStateSettled PaymentState = "SETTLED"
	PaymentStateExpired PaymentState = "EXPIRED"
	PaymentStateFailed  PaymentState = "FAILED"
)

// IsTerminal reports whether the payment can no longer change
func (s PaymentState) IsTerminal() bool {
	return s == PaymentStateSettled || s == PaymentStateExpired || s == PaymentStateFailed
}

// GatewayStatus is what the payment gateway reports for a payment. Unknown
// means the gateway could not be asked (timeout, 5xx, garbled reply) and is
// never a verdict about the payment itself.
type GatewayStatus string

const (
	GatewayStatusPending GatewayStatus = "pending"
	GatewayStatusSettled GatewayStatus = "settled"
	GatewayStatusExpired GatewayStatus = "expired"
	GatewayStatusFailed  GatewayStatus = "failed"
	GatewayStatusUnknown GatewayStatus = "unknown"
)

// PaymentRecord is one QRIS payment request tied to an order
type PaymentRecord struct {
	PaymentID     string       `json:"payment_id"`
	ReffID        string       `json:"reff_id,omitempty"`
	OrderID       uuid.UUID    `json:"order_id"`
	Amount        int64        `json:"amount"`
	Fee           int64        `json:"fee"`
	QRString      string       `json:"qr_string"`
	State         PaymentState `json:"state"`
	FailureReason string       `json:"failure_reason,omitempty"`
	ExpiresAt     time.Time    `json:"expires_at"`
	CreatedAt     time.Time    `json:"created_at"`
	SettledAt     *time.Time   `json:"settled_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewPaymentRecord builds a pending record for order. The amount must equal
// the order's charge.
func NewPaymentRecord(order *Order, paymentID, reffID string, amount, fee int64, qr string, expiresAt, now time.Time) (*PaymentRecord, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, errors.ErrPaymentCreationFailed.WithDetails("gateway returned no payment id")
	}
	if amount != order.ChargeAmount {
		return nil, errors.ErrPaymentCreationFailed.WithDetails(
			"payment amount %d does not match order charge %d", amount, order.ChargeAmount)
	}
	if !expiresAt.After(now) {
		return nil, errors.ErrPaymentCreationFailed.WithDetails("payment already expired at %s", expiresAt.Format(time.RFC3339))
	}

	return &PaymentRecord{
		PaymentID: paymentID,
		ReffID:    reffID,
		OrderID:   order.ID,
		Amount:    amount,
		Fee:       fee,
		QRString:  qr,
		State:     PaymentStatePending,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Resolve moves a pending payment to a terminal state. Resolving to the state
// the record already holds is a no-op; any other move out of a terminal state
// fails.
func (p *PaymentRecord) Resolve(next PaymentState, reason string, now time.Time) error {
	if next.IsTerminal() && p.State == next {
		return nil
	}
	if p.State.IsTerminal() || !next.IsTerminal() {
		return errors.ErrInvalidTransition.WithDetails("payment %s cannot move from %s to %s", p.PaymentID, p.State, next)
	}
	p.State = next
	p.FailureReason = reason
	p.UpdatedAt = now
	if next == PaymentStateSettled {
		settled := now
		p.SettledAt = &settled
	}
	return nil
}

// Clone returns a copy safe to hand out of a repository
func (p *PaymentRecord) Clone() *PaymentRecord {
	cp := *p
	if p.SettledAt != nil {
		t := *p.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

// PaymentResponse is returned by createPaymentForOrder
type PaymentResponse struct {
	OrderID    uuid.UUID `json:"order_id"`
	PaymentID  string    `json:"payment_id"`
	QRString   string    `json:"qr_string"`
	QRImageURL string    `json:"qr_image_url"`
	Amount     int64     `json:"amount"`
	Fee        int64     `json:"fee"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PaymentStatusResponse is returned by getPaymentStatus
type PaymentStatusResponse struct {
	OrderID    uuid.UUID    `json:"order_id"`
	PaymentID  string       `json:"payment_id"`
	State      PaymentState `json:"state"`
	OrderState OrderState   `json:"order_state"`
	ExpiresAt  time.Time    `json:"expires_at"`
}
