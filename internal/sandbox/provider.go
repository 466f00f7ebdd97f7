// Package sandbox runs stand-ins for the fulfillment provider and the payment
// gateway. They speak the same wire formats as the real services and keep
// everything in memory, so the backend can run end to end on a laptop and in
// tests.
package sandbox

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"engage-backend/internal/logger"
	"engage-backend/internal/models"
	"engage-backend/internal/provider"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// DefaultServices is the catalog served by a new Provider
func DefaultServices() []provider.ServiceEntry {
	return []provider.ServiceEntry{
		{Service: "1", Name: "Instagram Followers [Real]", Type: "Default", Category: "Instagram", Rate: "10", Min: "100", Max: "10000", Refill: true},
		{Service: "2", Name: "Instagram Likes", Type: "Default", Category: "Instagram", Rate: "2.5", Min: "50", Max: "50000", Cancel: true},
		{Service: "3", Name: "TikTok Views", Type: "Default", Category: "TikTok", Rate: "0.35", Min: "1000", Max: "10000000"},
		{Service: "4", Name: "YouTube Subscribers", Type: "Default", Category: "YouTube", Rate: "150", Min: "50", Max: "5000", Refill: true},
	}
}

type panelOrder struct {
	id         string
	serviceID  string
	link       string
	units      int64
	charge     decimal.Decimal
	status     string
	startCount int64
	remains    int64
}

// Provider is an in-memory SMM panel answering the v2 actions services, add,
// status (single and multi) and balance
type Provider struct {
	mu             sync.Mutex
	apiKey         string
	deliverPercent int
	services       []provider.ServiceEntry
	orders         map[string]*panelOrder
	nextID         int64
	rejectAdds     string
	failAdds       int
	failStatus     int
	adds           int
}

// NewProvider creates a panel. Each status query of an order delivers
// deliverPercent of its units; 0 leaves orders pending until SetStatus.
func NewProvider(apiKey string, deliverPercent int) *Provider {
	return &Provider{
		apiKey:         apiKey,
		deliverPercent: deliverPercent,
		services:       DefaultServices(),
		orders:         make(map[string]*panelOrder),
		nextID:         100000,
	}
}

// SetServices replaces the catalog
func (p *Provider) SetServices(entries []provider.ServiceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = entries
}

// RejectAdds makes every add call answer {"error": msg}; an empty msg
// accepts orders again
func (p *Provider) RejectAdds(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectAdds = msg
}

// FailAdds makes the next n add calls fail with 503 after recording the
// order, the way a panel that times out mid-request does
func (p *Provider) FailAdds(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAdds = n
}

// FailStatus makes the next n status calls fail with 503
func (p *Provider) FailStatus(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failStatus = n
}

// Adds is the number of add calls that created an order
func (p *Provider) Adds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adds
}

// SetStatus overrides an order's status and remaining count
func (p *Provider) SetStatus(orderID, status string, remains int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.status = status
	o.remains = remains
	return nil
}

// Handler serves the panel API
func (p *Provider) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/", p.handle)
	router.POST("/api/v2", p.handle)
	return router
}

type panelRequest struct {
	Key      string        `json:"key"`
	Action   string        `json:"action"`
	Service  models.Number `json:"service"`
	Link     string        `json:"link"`
	Quantity models.Number `json:"quantity"`
	Runs     models.Number `json:"runs"`
	Interval models.Number `json:"interval"`
	Order    models.Number `json:"order"`
	Orders   string        `json:"orders"`
}

type statusBody struct {
	Charge     string `json:"charge"`
	StartCount string `json:"start_count"`
	Status     string `json:"status"`
	Remains    string `json:"remains"`
	Currency   string `json:"currency"`
}

func (p *Provider) handle(c *gin.Context) {
	var req panelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"error": "Incorrect request"})
		return
	}
	if req.Key != p.apiKey {
		c.JSON(http.StatusOK, gin.H{"error": "Invalid API key"})
		return
	}

	switch req.Action {
	case "services":
		p.mu.Lock()
		services := append([]provider.ServiceEntry(nil), p.services...)
		p.mu.Unlock()
		c.JSON(http.StatusOK, services)
	case "add":
		p.add(c, &req)
	case "status":
		if req.Orders != "" {
			p.multiStatus(c, strings.Split(req.Orders, ","))
		} else {
			p.status(c, req.Order.String())
		}
	case "balance":
		c.JSON(http.StatusOK, gin.H{"balance": "1000000.00", "currency": "IDR"})
	default:
		c.JSON(http.StatusOK, gin.H{"error": "Incorrect request"})
	}
}

func (p *Provider) add(c *gin.Context, req *panelRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rejectAdds != "" {
		c.JSON(http.StatusOK, gin.H{"error": p.rejectAdds})
		return
	}

	var svc *provider.ServiceEntry
	for i := range p.services {
		if p.services[i].Service == req.Service {
			svc = &p.services[i]
			break
		}
	}
	if svc == nil {
		c.JSON(http.StatusOK, gin.H{"error": "Incorrect service ID"})
		return
	}

	quantity := req.Quantity.Int64OrZero()
	if quantity < svc.Min.Int64OrZero() || quantity > svc.Max.Int64OrZero() {
		c.JSON(http.StatusOK, gin.H{"error": fmt.Sprintf("Quantity must be between %s and %s", svc.Min, svc.Max)})
		return
	}
	if req.Link == "" {
		c.JSON(http.StatusOK, gin.H{"error": "Incorrect link"})
		return
	}

	units := quantity
	if runs := req.Runs.Int64OrZero(); runs > 1 {
		units *= runs
	}
	rate, _ := svc.Rate.Decimal()

	p.nextID++
	p.adds++
	o := &panelOrder{
		id:         strconv.FormatInt(p.nextID, 10),
		serviceID:  svc.Service.String(),
		link:       req.Link,
		units:      units,
		charge:     rate.Mul(decimal.NewFromInt(units)).Div(decimal.NewFromInt(1000)),
		status:     "Pending",
		startCount: 0,
		remains:    units,
	}
	p.orders[o.id] = o

	logger.WithComponent("sandbox-provider").
		WithField("provider_order_id", o.id).
		WithField("service_id", o.serviceID).
		WithField("units", units).
		Info("Order accepted")

	if p.failAdds > 0 {
		p.failAdds--
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": p.nextID})
}

func (p *Provider) status(c *gin.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failStatus > 0 {
		p.failStatus--
		c.Status(http.StatusServiceUnavailable)
		return
	}
	o, ok := p.orders[id]
	if !ok {
		c.JSON(http.StatusOK, gin.H{"error": "Incorrect order ID"})
		return
	}
	c.JSON(http.StatusOK, p.advance(o))
}

func (p *Provider) multiStatus(c *gin.Context, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failStatus > 0 {
		p.failStatus--
		c.Status(http.StatusServiceUnavailable)
		return
	}
	reply := make(map[string]interface{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if o, ok := p.orders[id]; ok {
			reply[id] = p.advance(o)
		} else {
			reply[id] = gin.H{"error": "Incorrect order ID"}
		}
	}
	c.JSON(http.StatusOK, reply)
}

// advance delivers the next slice of an order and returns its status; the
// caller holds p.mu
func (p *Provider) advance(o *panelOrder) statusBody {
	if p.deliverPercent > 0 && (o.status == "Pending" || o.status == "In progress") {
		step := o.units * int64(p.deliverPercent) / 100
		if step < 1 {
			step = 1
		}
		o.remains -= step
		o.status = "In progress"
		if o.remains <= 0 {
			o.remains = 0
			o.status = "Completed"
		}
	}
	return statusBody{
		Charge:     o.charge.StringFixed(5),
		StartCount: strconv.FormatInt(o.startCount, 10),
		Status:     o.status,
		Remains:    strconv.FormatInt(o.remains, 10),
		Currency:   "IDR",
	}
}

// OrderIDs lists the orders placed so far, oldest first
func (p *Provider) OrderIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
