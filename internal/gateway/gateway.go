// Package gateway is the client for the QRIS payment gateway.
//
// The gateway only reports; it never decides an order's fate. Anything that
// prevents a definite answer (timeouts, 5xx, unreadable replies) surfaces as
// models.GatewayStatusUnknown so callers retry instead of treating it as
// non-payment.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"engage-backend/internal/config"
	apperrors "engage-backend/internal/errors"
	"engage-backend/internal/metrics"
	"engage-backend/internal/models"
)

const maxBodyBytes = 1 << 20

// ErrUnavailable marks a status query that produced no verdict
var ErrUnavailable = errors.New("payment gateway unavailable")

// wib is the gateway's local time zone for timestamps without an offset
var wib = time.FixedZone("WIB", 7*60*60)

// Payment is a payment request created at the gateway
type Payment struct {
	ID        string
	ReffID    string
	QRString  string
	Amount    int64
	Fee       int64
	ExpiresAt time.Time
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type createData struct {
	ID        models.Number `json:"id"`
	ReffID    string        `json:"reff_id"`
	QRString  string        `json:"qr_string"`
	Nominal   models.Number `json:"nominal"`
	Fee       models.Number `json:"fee"`
	ExpiredAt string        `json:"expired_at"`
}

type statusData struct {
	Status string `json:"status"`
}

// Client talks to the gateway's HTTP API
type Client struct {
	baseURL    string
	apiKey     string
	qrImageURL string
	timeout    time.Duration
	defaultTTL time.Duration
	client     *http.Client
	now        func() time.Time
}

// NewClient creates a gateway client
func NewClient(cfg *config.GatewayConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		qrImageURL: cfg.QRImageURL,
		timeout:    cfg.Timeout,
		defaultTTL: cfg.DefaultTTL,
		client:     &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// CreatePayment asks the gateway for a QRIS payment of amount. Any failure is
// an ErrPaymentCreationFailed carrying the gateway's reason.
func (c *Client) CreatePayment(ctx context.Context, orderID string, amount int64) (*Payment, error) {
	env, err := c.get(ctx, "create", url.Values{"nominal": {strconv.FormatInt(amount, 10)}})
	if err != nil {
		metrics.PaymentsCreated.WithLabelValues("error").Inc()
		return nil, apperrors.ErrPaymentCreationFailed.WithCause(err).WithDetails("no usable response from payment gateway")
	}
	if !env.Success {
		metrics.PaymentsCreated.WithLabelValues("rejected").Inc()
		reason := env.Message
		if reason == "" {
			reason = "gateway declined to create the payment"
		}
		return nil, apperrors.ErrPaymentCreationFailed.WithDetails("%s", reason)
	}

	var data createData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		metrics.PaymentsCreated.WithLabelValues("error").Inc()
		return nil, apperrors.ErrPaymentCreationFailed.WithCause(err).WithDetails("unreadable payment data")
	}

	nominal := data.Nominal.Int64OrZero()
	if data.Nominal != "" && nominal != amount {
		metrics.PaymentsCreated.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrPaymentCreationFailed.WithDetails(
			"gateway created payment for %d, order %s charges %d", nominal, orderID, amount)
	}

	metrics.PaymentsCreated.WithLabelValues("created").Inc()
	return &Payment{
		ID:        data.ID.String(),
		ReffID:    data.ReffID,
		QRString:  data.QRString,
		Amount:    amount,
		Fee:       data.Fee.Int64OrZero(),
		ExpiresAt: c.parseExpiry(data.ExpiredAt),
	}, nil
}

// QueryStatus reports the gateway's view of a payment
func (c *Client) QueryStatus(ctx context.Context, paymentID string) (models.GatewayStatus, error) {
	env, err := c.get(ctx, "status", url.Values{"id": {paymentID}})
	if err != nil {
		return models.GatewayStatusUnknown, err
	}
	if !env.Success {
		return models.GatewayStatusUnknown, fmt.Errorf("%w: %s", ErrUnavailable, env.Message)
	}

	var data statusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return models.GatewayStatusUnknown, fmt.Errorf("%w: decode status: %v", ErrUnavailable, err)
	}

	status, ok := ParseStatus(data.Status)
	if !ok {
		return models.GatewayStatusUnknown, fmt.Errorf("%w: unrecognised status %q", ErrUnavailable, data.Status)
	}
	return status, nil
}

// ParseStatus maps a gateway status word onto GatewayStatus
func ParseStatus(s string) (models.GatewayStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "unpaid", "waiting":
		return models.GatewayStatusPending, true
	case "paid", "success", "settled", "settlement":
		return models.GatewayStatusSettled, true
	case "expired", "expire":
		return models.GatewayStatusExpired, true
	case "failed", "fail", "cancel", "canceled", "cancelled":
		return models.GatewayStatusFailed, true
	}
	return models.GatewayStatusUnknown, false
}

// QRImageURL links to a rendered image of the QRIS string
func (c *Client) QRImageURL(qr string) string {
	if qr == "" || c.qrImageURL == "" {
		return ""
	}
	return c.qrImageURL + url.QueryEscape(qr)
}

func (c *Client) get(ctx context.Context, op string, params url.Values) (env *envelope, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "unavailable"
		} else if !env.Success {
			outcome = "rejected"
		}
		metrics.UpstreamRequestsTotal.WithLabelValues("gateway", op, outcome).Inc()
		metrics.UpstreamRequestDuration.WithLabelValues("gateway", op).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+op+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s reply: %v", ErrUnavailable, op, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, op, resp.StatusCode)
	}

	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: decode %s reply (status %d): %v", ErrUnavailable, op, resp.StatusCode, err)
	}
	return &e, nil
}

func (c *Client) parseExpiry(s string) time.Time {
	s = strings.TrimSpace(s)
	if s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, wib); err == nil {
			return t
		}
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(unix, 0)
		}
	}
	return c.now().Add(c.defaultTTL)
}
