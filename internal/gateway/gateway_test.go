package gateway

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"engage-backend/internal/config"
	apperrors "engage-backend/internal/errors"
	"engage-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(&config.GatewayConfig{
		URL:        srv.URL,
		APIKey:     "k3y",
		Timeout:    200 * time.Millisecond,
		QRImageURL: "https://qr.example/?data=",
		DefaultTTL: 30 * time.Minute,
	})
}

func TestCreatePayment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/create", r.URL.Path)
		assert.Equal(t, "12", r.URL.Query().Get("nominal"))
		assert.Equal(t, "k3y", r.URL.Query().Get("apikey"))
		w.Write([]byte(`{"success": true, "data": {"id": 991, "reff_id": "R-1", "qr_string": "000201010212", "nominal": "12", "fee": 1, "expired_at": "2026-10-17T13:00:00Z"}}`))
	})

	p, err := c.CreatePayment(context.Background(), "order-1", 12)
	require.NoError(t, err)
	assert.Equal(t, "991", p.ID)
	assert.Equal(t, "R-1", p.ReffID)
	assert.Equal(t, int64(12), p.Amount)
	assert.Equal(t, int64(1), p.Fee)
	assert.Equal(t, time.Date(2026, 10, 17, 13, 0, 0, 0, time.UTC), p.ExpiresAt.UTC())
	assert.Equal(t, "https://qr.example/?data=000201010212", c.QRImageURL(p.QRString))
}

func TestCreatePaymentFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		details string
	}{
		{"declined", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"success": false, "message": "Saldo tidak cukup"}`))
		}, "Saldo tidak cukup"},
		{"amount mismatch", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success": true, "data": {"id": "1", "nominal": 15, "qr_string": "x"}}`))
		}, "charges 12"},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, "no usable response"},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(time.Second)
		}, "no usable response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			p, err := c.CreatePayment(context.Background(), "order-1", 12)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, stderrors.Is(err, apperrors.ErrPaymentCreationFailed))
			appErr, ok := apperrors.IsAppError(err)
			require.True(t, ok)
			assert.Contains(t, appErr.Details, tt.details)
		})
	}
}

func TestQueryStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		want models.GatewayStatus
		err  bool
	}{
		{"pending", `{"success": true, "data": {"status": "pending"}}`, 200, models.GatewayStatusPending, false},
		{"paid", `{"success": true, "data": {"status": "paid"}}`, 200, models.GatewayStatusSettled, false},
		{"success", `{"success": true, "data": {"status": "success"}}`, 200, models.GatewayStatusSettled, false},
		{"expired", `{"success": true, "data": {"status": "expired"}}`, 200, models.GatewayStatusExpired, false},
		{"failed", `{"success": true, "data": {"status": "failed"}}`, 200, models.GatewayStatusFailed, false},
		{"odd status", `{"success": true, "data": {"status": "refund_review"}}`, 200, models.GatewayStatusUnknown, true},
		{"not success", `{"success": false, "message": "try again"}`, 200, models.GatewayStatusUnknown, true},
		{"5xx", ``, 503, models.GatewayStatusUnknown, true},
		{"html", `<html></html>`, 200, models.GatewayStatusUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/status", r.URL.Path)
				assert.Equal(t, "pay-1", r.URL.Query().Get("id"))
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			})

			got, err := c.QueryStatus(context.Background(), "pay-1")
			assert.Equal(t, tt.want, got)
			if tt.err {
				assert.True(t, stderrors.Is(err, ErrUnavailable), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueryStatusTimeoutIsUnknown(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	})

	got, err := c.QueryStatus(context.Background(), "pay-1")
	assert.Equal(t, models.GatewayStatusUnknown, got)
	assert.True(t, stderrors.Is(err, ErrUnavailable))
}

func TestParseExpiry(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	c := &Client{defaultTTL: 30 * time.Minute, now: func() time.Time { return now }}

	assert.Equal(t, time.Date(2026, 10, 17, 5, 30, 0, 0, time.UTC), c.parseExpiry("2026-10-17 12:30:00").UTC())
	assert.Equal(t, time.Unix(1792238400, 0), c.parseExpiry("1792238400"))
	assert.Equal(t, now.Add(30*time.Minute), c.parseExpiry(""))
	assert.Equal(t, now.Add(30*time.Minute), c.parseExpiry("soon"))
}
