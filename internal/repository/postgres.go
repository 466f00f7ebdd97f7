package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	"engage-backend/internal/config"
	"engage-backend/internal/database"
	"engage-backend/internal/errors"
	"engage-backend/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// NewPostgres creates PostgreSQL-backed repositories on db, applying the
// schema first
func NewPostgres(ctx context.Context, db *database.DB) (*Repositories, error) {
	if err := db.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return &Repositories{
		Orders:   &orderRepository{db: db},
		Payments: &paymentRepository{db: db},
		driver:   config.StoreDriverPostgres,
		health:   db.Health,
		close:    db.Close,
	}, nil
}

const orderColumns = `id, service_id, service_name, link, quantity, runs, run_interval, charge_amount,
		state, payment_id, provider_order_id, provider_status, start_count, delivered_count,
		remaining_count, failure_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID,
		&o.ServiceID,
		&o.ServiceName,
		&o.Link,
		&o.Quantity,
		&o.Runs,
		&o.Interval,
		&o.ChargeAmount,
		&o.State,
		&o.PaymentID,
		&o.ProviderOrderID,
		&o.ProviderStatus,
		&o.StartCount,
		&o.DeliveredCount,
		&o.RemainingCount,
		&o.FailureReason,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// orderRepository implements OrderRepository
type orderRepository struct {
	db *database.DB
}

func (r *orderRepository) Create(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		order.ID,
		order.ServiceID,
		order.ServiceName,
		order.Link,
		order.Quantity,
		order.Runs,
		order.Interval,
		order.ChargeAmount,
		order.State,
		order.PaymentID,
		order.ProviderOrderID,
		order.ProviderStatus,
		order.StartCount,
		order.DeliveredCount,
		order.RemainingCount,
		order.FailureReason,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errors.ErrDuplicateOrder.WithDetails("order %s already exists", order.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	return nil
}

func (r *orderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.db.Conn(ctx).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.ErrOrderNotFound.WithDetails("order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return order, nil
}

func (r *orderRepository) List(ctx context.Context, filter OrderFilter) ([]*models.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		args = append(args, pq.Array(states))
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []*models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	return orders, nil
}

func (r *orderRepository) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, order *models.Order) error) (*models.Order, error) {
	var updated *models.Order
	err := r.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

		order, err := scanOrder(tx.QueryRowContext(ctx, query, id))
		if err == sql.ErrNoRows {
			return errors.ErrOrderNotFound.WithDetails("order %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("failed to get order for update: %w", err)
		}

		if err := fn(ctx, order); err != nil {
			return err
		}

		update := `
			UPDATE orders
			SET state = $2, payment_id = $3, provider_order_id = $4, provider_status = $5,
				start_count = $6, delivered_count = $7, remaining_count = $8,
				failure_reason = $9, updated_at = $10
			WHERE id = $1`

		_, err = tx.ExecContext(ctx, update,
			order.ID,
			order.State,
			order.PaymentID,
			order.ProviderOrderID,
			order.ProviderStatus,
			order.StartCount,
			order.DeliveredCount,
			order.RemainingCount,
			order.FailureReason,
			order.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}

		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

const paymentColumns = `payment_id, reff_id, order_id, amount, fee, qr_string, state, failure_reason,
		expires_at, created_at, settled_at, updated_at`

func scanPayment(row rowScanner) (*models.PaymentRecord, error) {
	var (
		p         models.PaymentRecord
		settledAt sql.NullTime
	)
	err := row.Scan(
		&p.PaymentID,
		&p.ReffID,
		&p.OrderID,
		&p.Amount,
		&p.Fee,
		&p.QRString,
		&p.State,
		&p.FailureReason,
		&p.ExpiresAt,
		&p.CreatedAt,
		&settledAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		p.SettledAt = &settledAt.Time
	}
	return &p, nil
}

// paymentRepository implements PaymentRepository
type paymentRepository struct {
	db *database.DB
}

func (r *paymentRepository) Create(ctx context.Context, payment *models.PaymentRecord) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		payment.PaymentID,
		payment.ReffID,
		payment.OrderID,
		payment.Amount,
		payment.Fee,
		payment.QRString,
		payment.State,
		payment.FailureReason,
		payment.ExpiresAt,
		payment.CreatedAt,
		payment.SettledAt,
		payment.UpdatedAt,
	)
	if isUniqueViolation(err) {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Constraint == "payments_one_pending_idx" {
			return errors.ErrAlreadyHasPendingPayment.WithDetails("order %s already has a pending payment", payment.OrderID)
		}
		return errors.ErrPaymentCreationFailed.WithDetails("payment %s already recorded", payment.PaymentID)
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	return nil
}

func (r *paymentRepository) GetByID(ctx context.Context, paymentID string) (*models.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1`

	payment, err := scanPayment(r.db.Conn(ctx).QueryRowContext(ctx, query, paymentID))
	if err == sql.ErrNoRows {
		return nil, errors.ErrPaymentNotFound.WithDetails("payment %s not found", paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return payment, nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*models.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := []*models.PaymentRecord{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	return payments, nil
}

func (r *paymentRepository) Update(ctx context.Context, paymentID string, fn func(payment *models.PaymentRecord) error) (*models.PaymentRecord, error) {
	var updated *models.PaymentRecord
	err := r.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1 FOR UPDATE`

		payment, err := scanPayment(tx.QueryRowContext(ctx, query, paymentID))
		if err == sql.ErrNoRows {
			return errors.ErrPaymentNotFound.WithDetails("payment %s not found", paymentID)
		}
		if err != nil {
			return fmt.Errorf("failed to get payment for update: %w", err)
		}

		if err := fn(payment); err != nil {
			return err
		}

		update := `
			UPDATE payments
			SET state = $2, failure_reason = $3, settled_at = $4, updated_at = $5
			WHERE payment_id = $1`

		_, err = tx.ExecContext(ctx, update,
			payment.PaymentID,
			payment.State,
			payment.FailureReason,
			payment.SettledAt,
			payment.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		updated = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
