package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"engage-backend/internal/catalog"
	"engage-backend/internal/config"
	"engage-backend/internal/gateway"
	"engage-backend/internal/models"
	"engage-backend/internal/provider"
	"engage-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	entries []provider.ServiceEntry
	err     error
}

func (f stubFetcher) Services(ctx context.Context) ([]provider.ServiceEntry, error) {
	return f.entries, f.err
}

var testServices = []provider.ServiceEntry{
	{Service: "1", Name: "Instagram Followers", Category: "Instagram", Rate: "10", Min: "100", Max: "10000"},
	{Service: "2", Name: "TikTok Views", Category: "TikTok", Rate: "0.5", Min: "1", Max: "1000000"},
}

// fakeGateway answers status queries from a script; once the script runs out
// it keeps answering fallback
type fakeGateway struct {
	mu        sync.Mutex
	script    []models.GatewayStatus
	fallback  models.GatewayStatus
	createErr error
	expiresIn time.Duration
	created   int
	queries   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fallback: models.GatewayStatusPending, expiresIn: 30 * time.Minute}
}

func (g *fakeGateway) CreatePayment(ctx context.Context, orderID string, amount int64) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created++
	return &gateway.Payment{
		ID:        fmt.Sprintf("PAY-%d-%s", g.created, orderID[:8]),
		ReffID:    "R-" + orderID[:8],
		QRString:  "00020101021226650013ID",
		Amount:    amount,
		Fee:       1,
		ExpiresAt: time.Now().Add(g.expiresIn),
	}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, paymentID string) (models.GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	status := g.fallback
	if len(g.script) > 0 {
		status, g.script = g.script[0], g.script[1:]
	}
	if status == models.GatewayStatusUnknown {
		return status, gateway.ErrUnavailable
	}
	return status, nil
}

func (g *fakeGateway) QRImageURL(qr string) string {
	return "https://qr.test/?data=" + qr
}

func (g *fakeGateway) set(script []models.GatewayStatus, fallback models.GatewayStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script, g.fallback = script, fallback
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

type fakeProvider struct {
	mu          sync.Mutex
	submitErr   error
	submitDelay time.Duration
	progress    provider.Progress
	progressErr error
	submits     []provider.AddOrder
	progressed  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{progress: provider.Progress{Status: "In progress", StartCount: 50, Remains: 400}}
}

func (p *fakeProvider) Submit(ctx context.Context, order provider.AddOrder) (string, error) {
	time.Sleep(p.submitDelay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits = append(p.submits, order)
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return fmt.Sprintf("%d", 9000+len(p.submits)), nil
}

func (p *fakeProvider) Progress(ctx context.Context, providerOrderID string) (*provider.Progress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progressed++
	if p.progressErr != nil {
		return nil, p.progressErr
	}
	progress := p.progress
	return &progress, nil
}

func (p *fakeProvider) MultiProgress(ctx context.Context, ids []string) (map[string]provider.BulkResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.progressErr != nil {
		return nil, p.progressErr
	}
	out := make(map[string]provider.BulkResult, len(ids))
	for _, id := range ids {
		progress := p.progress
		out[id] = provider.BulkResult{Progress: &progress}
	}
	return out, nil
}

func (p *fakeProvider) setProgress(progress provider.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = progress
}

func (p *fakeProvider) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submits)
}

type testEnv struct {
	catalog  *catalog.Catalog
	repos    *repository.Repositories
	store    *OrderStore
	gateway  *fakeGateway
	provider *fakeProvider
	rec      *Reconciler
	services *Services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cat := catalog.New(stubFetcher{entries: testServices}, &config.CatalogConfig{
		MarkupPercent:   20,
		TTL:             time.Hour,
		RefreshInterval: time.Minute,
	})
	require.NoError(t, cat.Refresh(context.Background()))

	repos := repository.NewMemory()
	store := NewOrderStore(cat, repos)
	gw := newFakeGateway()
	prov := newFakeProvider()
	rec := NewReconciler(store, gw, prov, &config.ReconcileConfig{
		PaymentInterval:  5 * time.Millisecond,
		ProgressInterval: 5 * time.Millisecond,
		ExpiryGrace:      time.Minute,
		MaxInflight:      4,
		ResumeWorkers:    2,
	})
	t.Cleanup(rec.Shutdown)

	return &testEnv{
		catalog:  cat,
		repos:    repos,
		store:    store,
		gateway:  gw,
		provider: prov,
		rec:      rec,
		services: NewServices(&Dependencies{
			Catalog:    cat,
			Repos:      repos,
			Store:      store,
			Gateway:    gw,
			Provider:   prov,
			Reconciler: rec,
		}),
	}
}

// newOrder creates a CREATED order for 1000 followers, charged 12
func (e *testEnv) newOrder(t *testing.T) *models.Order {
	t.Helper()
	o, err := e.store.Create(context.Background(), models.OrderParams{
		ServiceID: "1",
		Link:      "https://instagram.com/someone",
		Quantity:  1000,
	})
	require.NoError(t, err)
	return o
}

// awaitingOrder creates an order with a pending payment and no watch
func (e *testEnv) awaitingOrder(t *testing.T) (*models.Order, *models.PaymentRecord) {
	t.Helper()
	o := e.newOrder(t)
	now := time.Now()
	p, err := models.NewPaymentRecord(o, "PAY-"+o.ID.String()[:8], "", o.ChargeAmount, 0, "qr", now.Add(30*time.Minute), now)
	require.NoError(t, err)
	o, err = e.store.AttachPayment(context.Background(), o.ID, p)
	require.NoError(t, err)
	return o, p
}

func (e *testEnv) state(t *testing.T, id uuid.UUID) models.OrderState {
	t.Helper()
	o, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o.State
}
