// Package catalog keeps a priced snapshot of the provider's service list.
//
// A snapshot is built in full and swapped in atomically, so readers always see
// one consistent list. A failed refresh keeps the previous snapshot; only the
// caller of Refresh learns about the failure.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"engage-backend/internal/config"
	"engage-backend/internal/errors"
	"engage-backend/internal/logger"
	"engage-backend/internal/metrics"
	"engage-backend/internal/models"
	"engage-backend/internal/pricing"
	"engage-backend/internal/provider"

	"golang.org/x/sync/singleflight"
)

// Fetcher lists the provider's services
type Fetcher interface {
	Services(ctx context.Context) ([]provider.ServiceEntry, error)
}

type snapshot struct {
	services  map[string]models.Service
	ordered   []models.Service
	fetchedAt time.Time
}

// Catalog is safe for concurrent use
type Catalog struct {
	fetcher         Fetcher
	markupPercent   float64
	ttl             time.Duration
	refreshInterval time.Duration

	current atomic.Pointer[snapshot]
	group   singleflight.Group
	now     func() time.Time
}

// New creates an empty catalog. Nothing is fetched until Refresh or Run.
func New(fetcher Fetcher, cfg *config.CatalogConfig) *Catalog {
	return &Catalog{
		fetcher:         fetcher,
		markupPercent:   cfg.MarkupPercent,
		ttl:             cfg.TTL,
		refreshInterval: cfg.RefreshInterval,
		now:             time.Now,
	}
}

// Refresh fetches the service list and swaps in a new snapshot. Concurrent
// callers share one upstream request, which outlives any one caller's
// cancellation; the provider client's timeout bounds it.
func (c *Catalog) Refresh(ctx context.Context) error {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return nil, c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Catalog) refresh(ctx context.Context) error {
	log := logger.WithComponent("catalog")

	entries, err := c.fetcher.Services(ctx)
	if err != nil {
		metrics.CatalogRefreshes.WithLabelValues("error").Inc()
		log.WithError(err).Warn("Catalog refresh failed, keeping previous snapshot")
		return fmt.Errorf("refresh catalog: %w", err)
	}

	snap := &snapshot{
		services:  make(map[string]models.Service, len(entries)),
		ordered:   make([]models.Service, 0, len(entries)),
		fetchedAt: c.now(),
	}
	dropped := 0
	for _, e := range entries {
		svc, err := c.price(e)
		if err != nil {
			dropped++
			log.WithError(err).WithField("service_id", e.Service.String()).Debug("Skipping service")
			continue
		}
		if _, dup := snap.services[svc.ID]; dup {
			dropped++
			continue
		}
		snap.services[svc.ID] = svc
		snap.ordered = append(snap.ordered, svc)
	}
	sort.Slice(snap.ordered, func(i, j int) bool {
		return lessID(snap.ordered[i].ID, snap.ordered[j].ID)
	})

	c.current.Store(snap)

	metrics.CatalogRefreshes.WithLabelValues("success").Inc()
	metrics.CatalogServices.Set(float64(len(snap.ordered)))
	log.WithField("services", len(snap.ordered)).
		WithField("dropped", dropped).
		Info("Catalog refreshed")

	return nil
}

// price turns a provider entry into a sellable service
func (c *Catalog) price(e provider.ServiceEntry) (models.Service, error) {
	id := strings.TrimSpace(e.Service.String())
	if id == "" {
		return models.Service{}, fmt.Errorf("service without id")
	}
	rate, err := e.Rate.Decimal()
	if err != nil {
		return models.Service{}, fmt.Errorf("rate: %w", err)
	}
	if rate.Sign() <= 0 {
		return models.Service{}, fmt.Errorf("non-positive rate %s", rate)
	}
	lo, err := e.Min.Int64()
	if err != nil {
		return models.Service{}, fmt.Errorf("min: %w", err)
	}
	hi, err := e.Max.Int64()
	if err != nil {
		return models.Service{}, fmt.Errorf("max: %w", err)
	}
	if lo < 1 || lo > hi {
		return models.Service{}, fmt.Errorf("bad bounds [%d, %d]", lo, hi)
	}

	return models.Service{
		ID:           id,
		Name:         e.Name,
		Category:     e.Category,
		Type:         e.Type,
		ProviderRate: rate,
		SellRate:     pricing.SellRate(rate, c.markupPercent),
		Min:          lo,
		Max:          hi,
		Refill:       e.Refill,
		Cancel:       e.Cancel,
	}, nil
}

// Get returns the service with id from the current snapshot
func (c *Catalog) Get(id string) (models.Service, error) {
	snap := c.current.Load()
	if snap == nil {
		return models.Service{}, errors.ErrInvalidService.WithDetails("service %s not found", id)
	}
	svc, ok := snap.services[strings.TrimSpace(id)]
	if !ok {
		return models.Service{}, errors.ErrInvalidService.WithDetails("service %s not found", id)
	}
	return svc, nil
}

// Fresh returns the service with id from a snapshot no older than the TTL,
// refreshing first if needed. Orders are only priced through Fresh.
func (c *Catalog) Fresh(ctx context.Context, id string) (models.Service, error) {
	if c.Stale() {
		if err := c.Refresh(ctx); err != nil && c.Stale() {
			return models.Service{}, errors.ErrCatalogStale.WithCause(err)
		}
	}
	return c.Get(id)
}

// List returns services matching filter, ordered by id
func (c *Catalog) List(filter models.ServiceFilter) []models.Service {
	snap := c.current.Load()
	if snap == nil {
		return []models.Service{}
	}

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]models.Service, 0, len(snap.ordered))
	for _, svc := range snap.ordered {
		if filter.Category != "" && svc.Category != filter.Category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(svc.Name), search) {
			continue
		}
		out = append(out, svc)
	}
	return out
}

// Categories returns the distinct categories of the current snapshot, sorted
func (c *Catalog) Categories() []string {
	snap := c.current.Load()
	if snap == nil {
		return []string{}
	}
	seen := make(map[string]struct{})
	out := []string{}
	for _, svc := range snap.ordered {
		if _, ok := seen[svc.Category]; ok || svc.Category == "" {
			continue
		}
		seen[svc.Category] = struct{}{}
		out = append(out, svc.Category)
	}
	sort.Strings(out)
	return out
}

// Len is the number of services in the current snapshot
func (c *Catalog) Len() int {
	if snap := c.current.Load(); snap != nil {
		return len(snap.ordered)
	}
	return 0
}

// FetchedAt is when the current snapshot was taken; zero if none
func (c *Catalog) FetchedAt() time.Time {
	if snap := c.current.Load(); snap != nil {
		return snap.fetchedAt
	}
	return time.Time{}
}

// Stale reports whether there is no snapshot younger than the TTL
func (c *Catalog) Stale() bool {
	snap := c.current.Load()
	return snap == nil || c.now().Sub(snap.fetchedAt) > c.ttl
}

// Run refreshes the catalog every refresh interval until ctx is done
func (c *Catalog) Run(ctx context.Context) {
	log := logger.WithComponent("catalog")
	if err := c.Refresh(ctx); err != nil {
		log.WithError(err).Error("Initial catalog load failed")
	}

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Catalog refresher stopped")
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// lessID orders numeric ids numerically and everything else lexically
func lessID(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}
