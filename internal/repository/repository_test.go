package repository

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"engage-backend/internal/errors"
	"engage-backend/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

func newOrder(t *testing.T, createdAt time.Time) *models.Order {
	t.Helper()
	svc := models.Service{ID: "1", Name: "Followers", Min: 10, Max: 1000}
	o, err := models.NewOrder(models.OrderParams{ServiceID: "1", Link: "https://instagram.com/someone", Quantity: 100}, svc, 12, createdAt)
	require.NoError(t, err)
	return o
}

func newPayment(t *testing.T, o *models.Order, id string) *models.PaymentRecord {
	t.Helper()
	p, err := models.NewPaymentRecord(o, id, "R-"+id, o.ChargeAmount, 0, "qr", base.Add(time.Hour), base)
	require.NoError(t, err)
	return p
}

// testRepositories runs the behaviour every driver must share
func testRepositories(t *testing.T, repos *Repositories) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		o := newOrder(t, base)
		require.NoError(t, repos.Orders.Create(ctx, o))

		got, err := repos.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)
		assert.Equal(t, models.OrderStateCreated, got.State)
		assert.Equal(t, int64(12), got.ChargeAmount)

		err = repos.Orders.Create(ctx, o)
		assert.True(t, stderrors.Is(err, errors.ErrDuplicateOrder))
	})

	t.Run("missing order", func(t *testing.T) {
		_, err := repos.Orders.GetByID(ctx, uuid.New())
		assert.True(t, stderrors.Is(err, errors.ErrOrderNotFound))

		_, err = repos.Orders.Update(ctx, uuid.New(), func(ctx context.Context, o *models.Order) error { return nil })
		assert.True(t, stderrors.Is(err, errors.ErrOrderNotFound))
	})

	t.Run("failed update stores nothing", func(t *testing.T) {
		o := newOrder(t, base)
		require.NoError(t, repos.Orders.Create(ctx, o))

		_, err := repos.Orders.Update(ctx, o.ID, func(ctx context.Context, o *models.Order) error {
			o.FailureReason = "scribble"
			return o.Transition(models.OrderStateCompleted, base)
		})
		assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))

		got, err := repos.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStateCreated, got.State)
		assert.Empty(t, got.FailureReason)
	})

	t.Run("update is serialized per order", func(t *testing.T) {
		o := newOrder(t, base)
		require.NoError(t, repos.Orders.Create(ctx, o))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repos.Orders.Update(ctx, o.ID, func(ctx context.Context, o *models.Order) error {
					o.StartCount++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := repos.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(20), got.StartCount)
	})

	t.Run("list filters by state newest first", func(t *testing.T) {
		older := newOrder(t, base.Add(time.Minute))
		newer := newOrder(t, base.Add(2*time.Minute))
		require.NoError(t, repos.Orders.Create(ctx, older))
		require.NoError(t, repos.Orders.Create(ctx, newer))
		_, err := repos.Orders.Update(ctx, newer.ID, func(ctx context.Context, o *models.Order) error {
			return o.Transition(models.OrderStateCancelled, base.Add(3*time.Minute))
		})
		require.NoError(t, err)

		cancelled, err := repos.Orders.List(ctx, OrderFilter{States: []models.OrderState{models.OrderStateCancelled}})
		require.NoError(t, err)
		require.NotEmpty(t, cancelled)
		for _, o := range cancelled {
			assert.Equal(t, models.OrderStateCancelled, o.State)
		}

		all, err := repos.Orders.List(ctx, OrderFilter{})
		require.NoError(t, err)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
		}

		page, err := repos.Orders.List(ctx, OrderFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})

	t.Run("one pending payment per order", func(t *testing.T) {
		o := newOrder(t, base)
		require.NoError(t, repos.Orders.Create(ctx, o))

		first := newPayment(t, o, uuid.NewString())
		require.NoError(t, repos.Payments.Create(ctx, first))

		err := repos.Payments.Create(ctx, newPayment(t, o, uuid.NewString()))
		assert.True(t, stderrors.Is(err, errors.ErrAlreadyHasPendingPayment), "got %v", err)

		settled, err := repos.Payments.Update(ctx, first.PaymentID, func(p *models.PaymentRecord) error {
			return p.Resolve(models.PaymentStateSettled, "", base.Add(time.Minute))
		})
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStateSettled, settled.State)
		require.NotNil(t, settled.SettledAt)

		got, err := repos.Payments.GetByID(ctx, first.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStateSettled, got.State)

		list, err := repos.Payments.ListByOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("nested payment update joins order update", func(t *testing.T) {
		o := newOrder(t, base)
		require.NoError(t, repos.Orders.Create(ctx, o))

		_, err := repos.Orders.Update(ctx, o.ID, func(ctx context.Context, o *models.Order) error {
			p := newPayment(t, o, uuid.NewString())
			if err := repos.Payments.Create(ctx, p); err != nil {
				return err
			}
			o.PaymentID = p.PaymentID
			return o.Transition(models.OrderStateAwaitingPayment, base)
		})
		require.NoError(t, err)

		got, err := repos.Orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStateAwaitingPayment, got.State)

		p, err := repos.Payments.GetByID(ctx, got.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, o.ID, p.OrderID)
	})

	t.Run("missing payment", func(t *testing.T) {
		_, err := repos.Payments.GetByID(ctx, "nope")
		assert.True(t, stderrors.Is(err, errors.ErrPaymentNotFound))
	})
}

func TestMemoryRepositories(t *testing.T) {
	repos := NewMemory()
	defer repos.Close()

	assert.Equal(t, "memory", repos.Driver())
	assert.NoError(t, repos.Health(context.Background()))
	testRepositories(t, repos)
}

func TestMemoryReturnsCopies(t *testing.T) {
	repos := NewMemory()
	ctx := context.Background()

	o := newOrder(t, base)
	require.NoError(t, repos.Orders.Create(ctx, o))
	o.State = models.OrderStateCompleted

	got, err := repos.Orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateCreated, got.State)

	got.State = models.OrderStateFailed
	again, err := repos.Orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateCreated, again.State)
}

func TestMemoryUpdateHonoursCancelledContext(t *testing.T) {
	repos := NewMemory()
	o := newOrder(t, base)
	require.NoError(t, repos.Orders.Create(context.Background(), o))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := repos.Orders.Update(ctx, o.ID, func(ctx context.Context, o *models.Order) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, paginate(items, 0, 0))
	assert.Equal(t, []int{2, 3}, paginate(items, 2, 1))
	assert.Equal(t, []int{5}, paginate(items, 10, 4))
	assert.Empty(t, paginate(items, 2, 9))
}
