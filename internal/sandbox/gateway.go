package sandbox

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"engage-backend/internal/logger"

	"github.com/gin-gonic/gin"
)

// Payment states as the gateway spells them
const (
	GatewayPending = "pending"
	GatewayPaid    = "paid"
	GatewayExpired = "expired"
	GatewayFailed  = "failed"
)

type deposit struct {
	id        int64
	reffID    string
	nominal   int64
	fee       int64
	qr        string
	status    string
	expiresAt time.Time
	queries   int
}

// Gateway is an in-memory QRIS deposit API answering /create and /status
type Gateway struct {
	mu          sync.Mutex
	apiKey      string
	settleAfter int
	ttl         time.Duration
	deposits    map[string]*deposit
	nextID      int64
	declines    string
	failStatus  int
	now         func() time.Time
}

// NewGateway creates a gateway. A deposit turns paid on the status query
// after settleAfter pending answers; a negative settleAfter keeps deposits
// pending until Settle is called.
func NewGateway(apiKey string, settleAfter int, ttl time.Duration) *Gateway {
	return &Gateway{
		apiKey:      apiKey,
		settleAfter: settleAfter,
		ttl:         ttl,
		deposits:    make(map[string]*deposit),
		nextID:      7000,
		now:         time.Now,
	}
}

// Decline makes /create answer success=false with msg; an empty msg accepts
// deposits again
func (g *Gateway) Decline(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declines = msg
}

// FailStatus makes the next n /status calls fail with 502
func (g *Gateway) FailStatus(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failStatus = n
}

// Settle marks a deposit paid
func (g *Gateway) Settle(id string) error { return g.set(id, GatewayPaid) }

// Expire marks a deposit expired
func (g *Gateway) Expire(id string) error { return g.set(id, GatewayExpired) }

// Fail marks a deposit failed
func (g *Gateway) Fail(id string) error { return g.set(id, GatewayFailed) }

func (g *Gateway) set(id, status string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.deposits[id]
	if !ok {
		return fmt.Errorf("deposit %s not found", id)
	}
	d.status = status
	return nil
}

// Deposits is the number of deposits created
func (g *Gateway) Deposits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.deposits)
}

// Handler serves the gateway API
func (g *Gateway) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/create", g.create)
	router.GET("/status", g.status)
	return router
}

func (g *Gateway) create(c *gin.Context) {
	if c.Query("apikey") != g.apiKey {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid api key"})
		return
	}
	nominal, err := strconv.ParseInt(c.Query("nominal"), 10, 64)
	if err != nil || nominal <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "nominal must be a positive integer"})
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.declines != "" {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": g.declines})
		return
	}

	g.nextID++
	d := &deposit{
		id:        g.nextID,
		reffID:    fmt.Sprintf("DEP%d", g.nextID),
		nominal:   nominal,
		fee:       nominal * 7 / 1000,
		qr:        fmt.Sprintf("00020101021226670016COM.SANDBOX.WWW0118%d5204481253033605404%d", g.nextID, nominal),
		status:    GatewayPending,
		expiresAt: g.now().Add(g.ttl),
	}
	g.deposits[strconv.FormatInt(d.id, 10)] = d

	logger.WithComponent("sandbox-gateway").
		WithField("payment_id", d.id).
		WithField("nominal", nominal).
		Info("Deposit created")

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "deposit created",
		"data": gin.H{
			"id":         d.id,
			"reff_id":    d.reffID,
			"nominal":    d.nominal,
			"fee":        strconv.FormatInt(d.fee, 10),
			"qr_string":  d.qr,
			"expired_at": d.expiresAt.Format(time.RFC3339),
		},
	})
}

func (g *Gateway) status(c *gin.Context) {
	if c.Query("apikey") != g.apiKey {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid api key"})
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failStatus > 0 {
		g.failStatus--
		c.String(http.StatusBadGateway, "<html>bad gateway</html>")
		return
	}

	d, ok := g.deposits[c.Query("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "deposit not found"})
		return
	}

	if d.status == GatewayPending {
		d.queries++
		switch {
		case g.settleAfter >= 0 && d.queries > g.settleAfter:
			d.status = GatewayPaid
		case g.now().After(d.expiresAt):
			d.status = GatewayExpired
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"id":     d.id,
			"status": d.status,
		},
	})
}
