package service

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"engage-backend/internal/catalog"
	"engage-backend/internal/config"
	"engage-backend/internal/errors"
	"engage-backend/internal/models"
	"engage-backend/internal/provider"
	"engage-backend/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStoreCreate(t *testing.T) {
	env := newTestEnv(t)

	order := env.newOrder(t)
	assert.Equal(t, models.OrderStateCreated, order.State)
	assert.Equal(t, "Instagram Followers", order.ServiceName)
	// 1000 units at 12 per 1000
	assert.Equal(t, int64(12), order.ChargeAmount)

	stored, err := env.store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, stored.ID)
}

func TestOrderStoreCreateRejections(t *testing.T) {
	tests := []struct {
		name   string
		params models.OrderParams
		want   *errors.AppError
	}{
		{
			name:   "below minimum",
			params: models.OrderParams{ServiceID: "1", Link: "https://instagram.com/a", Quantity: 99},
			want:   errors.ErrQuantityOutOfRange,
		},
		{
			name:   "above maximum",
			params: models.OrderParams{ServiceID: "1", Link: "https://instagram.com/a", Quantity: 10001},
			want:   errors.ErrQuantityOutOfRange,
		},
		{
			name:   "unknown service",
			params: models.OrderParams{ServiceID: "404", Link: "https://instagram.com/a", Quantity: 1000},
			want:   errors.ErrInvalidService,
		},
		{
			name:   "missing link",
			params: models.OrderParams{ServiceID: "1", Quantity: 1000},
			want:   errors.ErrMissingField,
		},
		{
			name:   "bad link",
			params: models.OrderParams{ServiceID: "1", Link: "ftp://instagram.com/a", Quantity: 1000},
			want:   errors.ErrInvalidLink,
		},
		{
			name:   "runs past the drip-feed limit",
			params: models.OrderParams{ServiceID: "1", Link: "https://instagram.com/a", Quantity: 1024, Runs: 1 << 54, Interval: 1},
			want:   errors.NewValidationError(""),
		},
		{
			name:   "units overflow",
			params: models.OrderParams{ServiceID: "1", Link: "https://instagram.com/a", Quantity: math.MaxInt64/models.MaxRuns + 1, Runs: models.MaxRuns, Interval: 1},
			want:   errors.ErrQuantityOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			order, err := env.store.Create(context.Background(), tt.params)
			assert.Nil(t, order)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			orders, err := env.store.List(context.Background(), repository.OrderFilter{})
			require.NoError(t, err)
			assert.Empty(t, orders, "rejected order must not be stored")
		})
	}
}

func TestOrderStoreCreateDripFeedChargesAllUnits(t *testing.T) {
	env := newTestEnv(t)

	order, err := env.store.Create(context.Background(), models.OrderParams{
		ServiceID: "1",
		Link:      "https://instagram.com/a",
		Quantity:  1000,
		Runs:      models.MaxRuns,
		Interval:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000*models.MaxRuns), order.Units())
	// 1,000,000 units at 12 per 1000
	assert.Equal(t, int64(12000), order.ChargeAmount)
}

func TestOrderStoreCreateWithStaleCatalog(t *testing.T) {
	cat := catalog.New(stubFetcher{err: stderrors.New("provider down")}, &config.CatalogConfig{
		MarkupPercent: 20,
		TTL:           time.Hour,
	})
	store := NewOrderStore(cat, repository.NewMemory())

	_, err := store.Create(context.Background(), models.OrderParams{
		ServiceID: "1",
		Link:      "https://instagram.com/a",
		Quantity:  1000,
	})
	assert.True(t, errors.Is(err, errors.ErrCatalogStale), "got %v", err)
}

func TestOrderStoreAttachPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, payment := env.awaitingOrder(t)
	assert.Equal(t, models.OrderStateAwaitingPayment, order.State)
	assert.Equal(t, payment.PaymentID, order.PaymentID)

	second, err := models.NewPaymentRecord(order, "PAY-second", "", order.ChargeAmount, 0, "qr",
		time.Now().Add(time.Hour), time.Now())
	require.NoError(t, err)

	_, err = env.store.AttachPayment(ctx, order.ID, second)
	assert.True(t, errors.Is(err, errors.ErrAlreadyHasPendingPayment), "got %v", err)

	_, err = env.store.Payment(ctx, "PAY-second")
	assert.True(t, errors.Is(err, errors.ErrPaymentNotFound), "second payment must not be stored")
}

func TestOrderStoreAttachPaymentChecksAmount(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t)

	record := &models.PaymentRecord{
		PaymentID: "PAY-x",
		OrderID:   order.ID,
		Amount:    order.ChargeAmount + 1,
		State:     models.PaymentStatePending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	_, err := env.store.AttachPayment(context.Background(), order.ID, record)
	assert.True(t, errors.Is(err, errors.ErrPaymentCreationFailed), "got %v", err)
	assert.Equal(t, models.OrderStateCreated, env.state(t, order.ID))
}

func TestOrderStoreMarkSettledIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order, payment := env.awaitingOrder(t)

	for i := 0; i < 3; i++ {
		settled, err := env.store.MarkSettled(ctx, order.ID, payment.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatePaymentSettled, settled.State)
	}

	record, err := env.store.Payment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStateSettled, record.State)
	require.NotNil(t, record.SettledAt)

	// once the order moved on, a late settlement leaves it alone
	_, claimed, err := env.store.BeginSubmit(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	_, err = env.store.RecordRejection(ctx, order.ID, "not enough funds")
	require.NoError(t, err)

	after, err := env.store.MarkSettled(ctx, order.ID, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateFailed, after.State)
}

func TestOrderStoreMarkSettledWrongPayment(t *testing.T) {
	env := newTestEnv(t)
	order, _ := env.awaitingOrder(t)

	_, err := env.store.MarkSettled(context.Background(), order.ID, "PAY-other")
	assert.True(t, errors.Is(err, errors.ErrPaymentNotFound), "got %v", err)
	assert.Equal(t, models.OrderStateAwaitingPayment, env.state(t, order.ID))
}

func TestOrderStoreExpiredPaymentNeverSettles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order, payment := env.awaitingOrder(t)

	expired, err := env.store.MarkPaymentTerminal(ctx, order.ID, payment.PaymentID, models.PaymentStateExpired, "expired")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateExpired, expired.State)
	assert.Equal(t, "expired", expired.FailureReason)

	// repeating the verdict is harmless
	_, err = env.store.MarkPaymentTerminal(ctx, order.ID, payment.PaymentID, models.PaymentStateExpired, "expired")
	require.NoError(t, err)

	_, err = env.store.MarkSettled(ctx, order.ID, payment.PaymentID)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "got %v", err)

	_, claimed, err := env.store.BeginSubmit(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, models.OrderStateExpired, env.state(t, order.ID))
}

func TestOrderStoreMarkPaymentTerminalRejectsSettled(t *testing.T) {
	env := newTestEnv(t)
	order, payment := env.awaitingOrder(t)

	_, err := env.store.MarkPaymentTerminal(context.Background(), order.ID, payment.PaymentID, models.PaymentStateSettled, "")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "got %v", err)
}

func TestOrderStoreBeginSubmitClaimsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order, payment := env.awaitingOrder(t)
	_, err := env.store.MarkSettled(ctx, order.ID, payment.PaymentID)
	require.NoError(t, err)

	var claims atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := env.store.BeginSubmit(ctx, order.ID)
			assert.NoError(t, err)
			if claimed {
				claims.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claims.Load())
	assert.Equal(t, models.OrderStateSubmitting, env.state(t, order.ID))
}

// submittingOrder returns an order that has been claimed for submission
func submittingOrder(t *testing.T, env *testEnv) *models.Order {
	t.Helper()
	ctx := context.Background()
	order, payment := env.awaitingOrder(t)
	_, err := env.store.MarkSettled(ctx, order.ID, payment.PaymentID)
	require.NoError(t, err)
	order, claimed, err := env.store.BeginSubmit(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	return order
}

func TestOrderStoreRecordFulfillment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := submittingOrder(t, env)

	_, err := env.store.NoteSubmitUnknown(ctx, order.ID, "timeout")
	require.NoError(t, err)

	fulfilling, err := env.store.RecordFulfillment(ctx, order.ID, "9001")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateFulfilling, fulfilling.State)
	assert.Equal(t, "9001", fulfilling.ProviderOrderID)
	assert.Empty(t, fulfilling.FailureReason)

	_, err = env.store.RecordFulfillment(ctx, order.ID, "9001")
	require.NoError(t, err)

	_, err = env.store.RecordFulfillment(ctx, order.ID, "9002")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "got %v", err)
}

func TestOrderStoreNoteSubmitUnknownRequiresSubmitting(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t)

	_, err := env.store.NoteSubmitUnknown(context.Background(), order.ID, "timeout")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "got %v", err)
}

func TestOrderStoreUpdateProgress(t *testing.T) {
	tests := []struct {
		name          string
		progress      provider.Progress
		wantState     models.OrderState
		wantDelivered int64
		wantRemaining int64
	}{
		{
			name:          "in progress",
			progress:      provider.Progress{Status: "In progress", StartCount: 10, Remains: 400},
			wantState:     models.OrderStateFulfilling,
			wantDelivered: 600,
			wantRemaining: 400,
		},
		{
			name:          "completed",
			progress:      provider.Progress{Status: "Completed", StartCount: 10, Remains: 0},
			wantState:     models.OrderStateCompleted,
			wantDelivered: 1000,
		},
		{
			name:          "partial completes with remainder",
			progress:      provider.Progress{Status: "Partial", Remains: 250},
			wantState:     models.OrderStateCompleted,
			wantDelivered: 750,
			wantRemaining: 250,
		},
		{
			name:          "cancelled",
			progress:      provider.Progress{Status: "Canceled", Remains: 1000},
			wantState:     models.OrderStateCancelled,
			wantRemaining: 1000,
		},
		{
			name:          "remains above quantity is clamped",
			progress:      provider.Progress{Status: "Pending", Remains: 5000},
			wantState:     models.OrderStateFulfilling,
			wantRemaining: 1000,
		},
		{
			name:          "negative remains is clamped",
			progress:      provider.Progress{Status: "In progress", Remains: -3},
			wantState:     models.OrderStateFulfilling,
			wantDelivered: 1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			order := submittingOrder(t, env)
			_, err := env.store.RecordFulfillment(ctx, order.ID, "9001")
			require.NoError(t, err)

			progress := tt.progress
			updated, err := env.store.UpdateProgress(ctx, order.ID, &progress)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, updated.State)
			assert.Equal(t, tt.wantDelivered, updated.DeliveredCount)
			assert.Equal(t, tt.wantRemaining, updated.RemainingCount)
			assert.Equal(t, tt.progress.Status, updated.ProviderStatus)
			if tt.wantState == models.OrderStateCancelled {
				assert.Contains(t, updated.FailureReason, "Canceled")
			}
		})
	}
}

func TestOrderStoreUpdateProgressOnTerminalOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := submittingOrder(t, env)
	_, err := env.store.RecordFulfillment(ctx, order.ID, "9001")
	require.NoError(t, err)

	done, err := env.store.UpdateProgress(ctx, order.ID, &provider.Progress{Status: "Completed"})
	require.NoError(t, err)
	require.Equal(t, models.OrderStateCompleted, done.State)

	again, err := env.store.UpdateProgress(ctx, order.ID, &provider.Progress{Status: "Canceled", Remains: 1000})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateCompleted, again.State)
	assert.Equal(t, int64(1000), again.DeliveredCount)
}

func TestOrderStoreCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created := env.newOrder(t)
	cancelled, err := env.store.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateCancelled, cancelled.State)
	assert.Equal(t, "cancelled by buyer", cancelled.FailureReason)

	awaiting, _ := env.awaitingOrder(t)
	_, err = env.store.Cancel(ctx, awaiting.ID)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "got %v", err)
	assert.Equal(t, models.OrderStateAwaitingPayment, env.state(t, awaiting.ID))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, int64(0), clamp(-1, 0, 10))
	assert.Equal(t, int64(10), clamp(11, 0, 10))
	assert.Equal(t, int64(5), clamp(5, 0, 10))
}
