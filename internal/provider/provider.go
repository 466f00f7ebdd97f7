// Package provider is the client for the fulfillment provider, a social media
// marketing panel speaking the common v2 API: every call is a POST carrying the
// API key and an action name.
//
// Submit is not idempotent at the provider. Calling it twice for one logical
// order creates two billable provider orders; callers must de-duplicate.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"engage-backend/internal/config"
	"engage-backend/internal/metrics"
	"engage-backend/internal/models"

	"github.com/shopspring/decimal"
)

const maxBodyBytes = 8 << 20

var (
	// ErrRejected is returned when the provider answered with an error message.
	// It is a verdict, not a transport problem.
	ErrRejected = errors.New("provider rejected request")

	// ErrUnavailable is returned for timeouts, transport errors, 5xx replies
	// and bodies that cannot be decoded. The request may or may not have been
	// processed.
	ErrUnavailable = errors.New("provider unavailable")
)

// ServiceEntry is one element of the provider's services listing
type ServiceEntry struct {
	Service  models.Number `json:"service"`
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Category string        `json:"category"`
	Rate     models.Number `json:"rate"`
	Min      models.Number `json:"min"`
	Max      models.Number `json:"max"`
	Refill   bool          `json:"refill"`
	Cancel   bool          `json:"cancel"`
}

// AddOrder is the payload of the add action
type AddOrder struct {
	ServiceID string
	Link      string
	Quantity  int64
	Runs      int64
	Interval  int64
}

// Phase classifies a provider status string
type Phase int

const (
	PhaseInProgress Phase = iota
	PhaseCompleted
	PhaseCancelled
)

// Progress is the provider's view of one order
type Progress struct {
	Status     string
	Charge     decimal.Decimal
	StartCount int64
	Remains    int64
	Currency   string
}

// Phase maps the free-form status onto the order lifecycle. Partial counts
// as completed: the provider stops delivering and refunds the remainder on
// its side.
func (p Progress) Phase() Phase {
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "completed", "complete", "partial":
		return PhaseCompleted
	case "canceled", "cancelled", "refunded":
		return PhaseCancelled
	default:
		return PhaseInProgress
	}
}

// BulkResult is one entry of a multi-order status query
type BulkResult struct {
	Progress *Progress
	Err      error
}

type statusReply struct {
	Status     string        `json:"status"`
	Charge     models.Number `json:"charge"`
	StartCount models.Number `json:"start_count"`
	Remains    models.Number `json:"remains"`
	Currency   string        `json:"currency"`
	Error      string        `json:"error"`
}

func (r statusReply) progress() *Progress {
	charge, err := r.Charge.Decimal()
	if err != nil {
		charge = decimal.Zero
	}
	return &Progress{
		Status:     r.Status,
		Charge:     charge,
		StartCount: r.StartCount.Int64OrZero(),
		Remains:    r.Remains.Int64OrZero(),
		Currency:   r.Currency,
	}
}

// Client talks to the provider's HTTP API
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a provider client
func NewClient(cfg *config.ProviderConfig) *Client {
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Services fetches the full service list
func (c *Client) Services(ctx context.Context) ([]ServiceEntry, error) {
	var entries []ServiceEntry
	if err := c.call(ctx, "services", map[string]interface{}{}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Submit places an order and returns the provider's order id
func (c *Client) Submit(ctx context.Context, order AddOrder) (string, error) {
	params := map[string]interface{}{
		"service":  order.ServiceID,
		"link":     order.Link,
		"quantity": order.Quantity,
	}
	if order.Runs > 1 {
		params["runs"] = order.Runs
		params["interval"] = order.Interval
	}

	var reply struct {
		Order models.Number `json:"order"`
		Error string        `json:"error"`
	}
	if err := c.call(ctx, "add", params, &reply); err != nil {
		return "", err
	}
	if reply.Order == "" {
		return "", fmt.Errorf("%w: add returned no order id", ErrUnavailable)
	}
	return reply.Order.String(), nil
}

// Progress queries one order's delivery progress
func (c *Client) Progress(ctx context.Context, providerOrderID string) (*Progress, error) {
	var reply statusReply
	if err := c.call(ctx, "status", map[string]interface{}{"order": providerOrderID}, &reply); err != nil {
		return nil, err
	}
	return reply.progress(), nil
}

// MultiProgress queries several orders in one call
func (c *Client) MultiProgress(ctx context.Context, providerOrderIDs []string) (map[string]BulkResult, error) {
	var reply map[string]statusReply
	params := map[string]interface{}{"orders": strings.Join(providerOrderIDs, ",")}
	if err := c.call(ctx, "status", params, &reply); err != nil {
		return nil, err
	}

	results := make(map[string]BulkResult, len(reply))
	for id, r := range reply {
		if r.Error != "" {
			results[id] = BulkResult{Err: fmt.Errorf("%w: %s", ErrRejected, r.Error)}
			continue
		}
		results[id] = BulkResult{Progress: r.progress()}
	}
	return results, nil
}

// call posts {key, action, params...} and decodes the reply into out. A reply
// of the form {"error": "..."} becomes ErrRejected.
func (c *Client) call(ctx context.Context, action string, params map[string]interface{}, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		metrics.UpstreamRequestsTotal.WithLabelValues("provider", action, outcome(err)).Inc()
		metrics.UpstreamRequestDuration.WithLabelValues("provider", action).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]interface{}{"key": c.apiKey, "action": action}
	for k, v := range params {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s reply: %v", ErrUnavailable, action, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, action, resp.StatusCode)
	}

	if msg, ok := errorMessage(raw); ok {
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, action, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s reply: %v", ErrUnavailable, action, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from an object reply
func errorMessage(raw []byte) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil || probe.Error == "" {
		return "", false
	}
	return probe.Error, true
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
