package service

import (
	"context"
	"sync"
	"time"

	"engage-backend/internal/config"
	"engage-backend/internal/errors"
	"engage-backend/internal/gateway"
	"engage-backend/internal/logger"
	"engage-backend/internal/metrics"
	"engage-backend/internal/models"
	"engage-backend/internal/provider"
	"engage-backend/internal/repository"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// PaymentGateway creates and inspects QRIS payments
type PaymentGateway interface {
	CreatePayment(ctx context.Context, orderID string, amount int64) (*gateway.Payment, error)
	QueryStatus(ctx context.Context, paymentID string) (models.GatewayStatus, error)
	QRImageURL(qr string) string
}

// FulfillmentProvider places and tracks orders at the provider
type FulfillmentProvider interface {
	Submit(ctx context.Context, order provider.AddOrder) (string, error)
	Progress(ctx context.Context, providerOrderID string) (*provider.Progress, error)
	MultiProgress(ctx context.Context, providerOrderIDs []string) (map[string]provider.BulkResult, error)
}

// Reconciler drives orders from payment to delivery. Each watched order gets
// its own polling goroutine; the manual check path shares the same steps, and
// the store's transitions make running both at once safe.
type Reconciler struct {
	store    *OrderStore
	gateway  PaymentGateway
	provider FulfillmentProvider
	config   *config.ReconcileConfig
	sem      *semaphore.Weighted

	watches sync.Map // map[uuid.UUID]*watchHandle

	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

type watchHandle struct {
	cancel context.CancelFunc
}

// NewReconciler creates a reconciler
func NewReconciler(store *OrderStore, gw PaymentGateway, prov FulfillmentProvider, cfg *config.ReconcileConfig) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		store:    store,
		gateway:  gw,
		provider: prov,
		config:   cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInflight)),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Start resumes every order left mid-flight, typically after a restart with
// a durable store. Settled orders are submitted and pending payments checked
// right away; all of them are then watched.
func (r *Reconciler) Start(ctx context.Context) error {
	log := logger.WithComponent("reconciler")

	orders, err := r.store.List(ctx, repository.OrderFilter{States: []models.OrderState{
		models.OrderStateAwaitingPayment,
		models.OrderStatePaymentSettled,
		models.OrderStateSubmitting,
		models.OrderStateFulfilling,
	}})
	if err != nil {
		return err
	}

	log.WithField("orders", len(orders)).
		WithField("workers", r.config.ResumeWorkers).
		Info("Resuming reconciliation")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.config.ResumeWorkers, 1))

	for _, o := range orders {
		o := o
		if o.State == models.OrderStateSubmitting {
			// the add call may or may not have reached the provider
			log.WithField("order_id", o.ID).
				WithField("reason", o.FailureReason).
				Warn("Order left in SUBMITTING, needs manual review")
			continue
		}

		g.Go(func() error {
			if _, done := r.step(gctx, o.ID); !done {
				r.Watch(o.ID)
			}
			return nil
		})
	}

	return g.Wait()
}

// Shutdown stops every watch and waits for the goroutines to exit
func (r *Reconciler) Shutdown() {
	logger.WithComponent("reconciler").Info("Stopping reconciler")

	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	logger.WithComponent("reconciler").Info("Reconciler stopped")
}

// Watch starts polling an order until it reaches a terminal state. It returns
// false if the order is already watched or the reconciler is shut down.
func (r *Reconciler) Watch(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}

	ctx, cancel := context.WithCancel(r.ctx)
	handle := &watchHandle{cancel: cancel}
	if _, loaded := r.watches.LoadOrStore(id, handle); loaded {
		cancel()
		return false
	}

	metrics.ActiveWatches.Inc()
	r.wg.Add(1)
	go r.watch(ctx, id, handle)

	logger.WithOrderID(id.String()).Debug("Watching order")
	return true
}

// Stop cancels an order's watch, if any
func (r *Reconciler) Stop(id uuid.UUID) {
	if h, ok := r.watches.Load(id); ok {
		h.(*watchHandle).cancel()
		logger.WithOrderID(id.String()).Info("Order watch cancelled")
	}
}

// Watching reports whether an order is being polled
func (r *Reconciler) Watching(id uuid.UUID) bool {
	_, ok := r.watches.Load(id)
	return ok
}

// ActiveWatches is the number of orders being polled
func (r *Reconciler) ActiveWatches() int {
	n := 0
	r.watches.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (r *Reconciler) watch(ctx context.Context, id uuid.UUID, handle *watchHandle) {
	log := logger.WithOrderID(id.String())
	defer func() {
		// a later Watch of the same order may already own the slot
		r.watches.CompareAndDelete(id, handle)
		handle.cancel()
		metrics.ActiveWatches.Dec()
		r.wg.Done()
	}()

	timer := time.NewTimer(r.config.PaymentInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Watch stopped")
			return
		case <-timer.C:
		}

		state, done := r.step(ctx, id)
		if done {
			log.WithField("state", state).Debug("Watch finished")
			return
		}
		timer.Reset(r.interval(state))
	}
}

func (r *Reconciler) interval(state models.OrderState) time.Duration {
	if state == models.OrderStateFulfilling || state == models.OrderStateSubmitting {
		return r.config.ProgressInterval
	}
	return r.config.PaymentInterval
}

// step advances an order by at most one poll. done reports that there is
// nothing left to poll for.
func (r *Reconciler) step(ctx context.Context, id uuid.UUID) (models.OrderState, bool) {
	log := logger.WithOrderID(id.String())

	order, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrOrderNotFound) {
			return "", true
		}
		log.WithError(err).Warn("Failed to load order")
		return "", false
	}

	state := order.State
	switch state {
	case models.OrderStateAwaitingPayment, models.OrderStatePaymentSettled:
		order, err = r.CheckPayment(ctx, id)
	case models.OrderStateFulfilling:
		order, err = r.RefreshProgress(ctx, id)
	case models.OrderStateSubmitting:
		// a noted failure means the outcome is unknown; wait for a human
		return state, order.FailureReason != ""
	}
	if err != nil {
		if !errors.Is(err, errors.ErrUpstreamUnavailable) {
			log.WithError(err).Warn("Reconciliation step failed")
		}
		return state, false
	}

	return order.State, order.State.IsTerminal() || order.State == models.OrderStateCreated
}

// CheckPayment asks the gateway about the order's payment and applies the
// verdict. A settled payment leads straight to submission. An unknown
// verdict changes nothing and is reported as ErrUpstreamUnavailable along
// with the unchanged order.
func (r *Reconciler) CheckPayment(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	start := time.Now()
	defer func() {
		metrics.PollDuration.WithLabelValues("payment").Observe(time.Since(start).Seconds())
	}()

	order, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.State == models.OrderStatePaymentSettled {
		return r.submit(ctx, id)
	}
	if order.State != models.OrderStateAwaitingPayment {
		return order, nil
	}

	payment, err := r.store.Payment(ctx, order.PaymentID)
	if err != nil {
		return nil, err
	}

	status, err := r.queryGateway(ctx, payment.PaymentID)
	log := logger.WithOrderID(id.String()).WithField("payment_id", payment.PaymentID)

	switch status {
	case models.GatewayStatusSettled:
		if _, err := r.store.MarkSettled(ctx, id, payment.PaymentID); err != nil {
			return nil, err
		}
		metrics.PaymentsResolved.WithLabelValues(string(models.PaymentStateSettled)).Inc()
		log.Info("Payment settled")
		return r.submit(ctx, id)

	case models.GatewayStatusExpired:
		return r.resolvePayment(ctx, id, payment.PaymentID, models.PaymentStateExpired, "payment expired at gateway")

	case models.GatewayStatusFailed:
		return r.resolvePayment(ctx, id, payment.PaymentID, models.PaymentStateFailed, "payment failed at gateway")

	case models.GatewayStatusPending:
		if r.now().After(payment.ExpiresAt.Add(r.config.ExpiryGrace)) {
			return r.resolvePayment(ctx, id, payment.PaymentID, models.PaymentStateExpired, "payment not settled before expiry")
		}
		return order, nil

	default:
		log.WithError(err).Warn("Payment status unknown, will retry")
		return order, errors.ErrUpstreamUnavailable.WithCause(err).WithDetails("payment gateway gave no verdict")
	}
}

func (r *Reconciler) resolvePayment(ctx context.Context, id uuid.UUID, paymentID string, state models.PaymentState, reason string) (*models.Order, error) {
	order, err := r.store.MarkPaymentTerminal(ctx, id, paymentID, state, reason)
	if err != nil {
		return nil, err
	}
	metrics.PaymentsResolved.WithLabelValues(string(state)).Inc()
	logger.WithOrderID(id.String()).WithField("payment_id", paymentID).Info(reason)
	return order, nil
}

// submit sends a settled order to the provider, once. Only the caller that
// wins BeginSubmit talks to the provider; everyone else gets the current
// order back.
func (r *Reconciler) submit(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, claimed, err := r.store.BeginSubmit(ctx, id)
	if err != nil || !claimed {
		return order, err
	}

	log := logger.WithOrderID(id.String())

	// The add call is not idempotent. Once claimed it must run to an outcome
	// even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	providerOrderID, err := r.provider.Submit(ctx, provider.AddOrder{
		ServiceID: order.ServiceID,
		Link:      order.Link,
		Quantity:  order.Quantity,
		Runs:      order.Runs,
		Interval:  order.Interval,
	})
	r.sem.Release(1)

	switch {
	case err == nil:
		metrics.FulfillmentSubmissions.WithLabelValues("submitted").Inc()
		log.WithField("provider_order_id", providerOrderID).Info("Order submitted to provider")
		return r.store.RecordFulfillment(ctx, id, providerOrderID)

	case errors.Is(err, provider.ErrRejected):
		metrics.FulfillmentSubmissions.WithLabelValues("rejected").Inc()
		log.WithError(err).Error("Provider rejected settled order")
		return r.store.RecordRejection(ctx, id, err.Error())

	default:
		metrics.FulfillmentSubmissions.WithLabelValues("unknown").Inc()
		log.WithError(err).Error("Provider submission outcome unknown, not retrying")
		return r.store.NoteSubmitUnknown(ctx, id, "submission outcome unknown: "+err.Error())
	}
}

// RefreshProgress mirrors the provider's progress onto a FULFILLING order.
// Provider errors leave the order unchanged and surface as
// ErrUpstreamUnavailable.
func (r *Reconciler) RefreshProgress(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	start := time.Now()
	defer func() {
		metrics.PollDuration.WithLabelValues("progress").Observe(time.Since(start).Seconds())
	}()

	order, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.State != models.OrderStateFulfilling {
		return order, nil
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	progress, err := r.provider.Progress(ctx, order.ProviderOrderID)
	r.sem.Release(1)
	if err != nil {
		logger.WithOrderID(id.String()).WithError(err).Warn("Progress query failed, will retry")
		return order, errors.ErrUpstreamUnavailable.WithCause(err).WithDetails("fulfillment provider gave no progress")
	}

	return r.store.UpdateProgress(ctx, id, progress)
}

func (r *Reconciler) queryGateway(ctx context.Context, paymentID string) (models.GatewayStatus, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return models.GatewayStatusUnknown, err
	}
	defer r.sem.Release(1)
	return r.gateway.QueryStatus(ctx, paymentID)
}
