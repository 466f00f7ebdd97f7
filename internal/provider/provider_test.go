package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"engage-backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []map[string]interface{}
}

func (r *recorder) get(i int) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		rec.mu.Lock()
		rec.calls = append(rec.calls, payload)
		rec.mu.Unlock()
		handler(w, r.WithContext(context.WithValue(r.Context(), payloadKey{}, payload)))
	}))
	t.Cleanup(srv.Close)

	return NewClient(&config.ProviderConfig{URL: srv.URL, APIKey: "secret", Timeout: 200 * time.Millisecond}), rec
}

type payloadKey struct{}

func payloadOf(r *http.Request) map[string]interface{} {
	return r.Context().Value(payloadKey{}).(map[string]interface{})
}

func TestServicesAcceptsStringAndNumberFields(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"service": 1, "name": "Followers", "type": "Default", "category": "Instagram", "rate": "10.50", "min": "100", "max": "5000"},
			{"service": "2", "name": "Views", "type": "Default", "category": "TikTok", "rate": 0.9, "min": 50, "max": 100000}
		]`))
	})

	entries, err := c.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "1", entries[0].Service.String())
	rate, err := entries[0].Rate.Decimal()
	require.NoError(t, err)
	assert.Equal(t, "10.5", rate.String())
	assert.Equal(t, int64(100), entries[0].Min.Int64OrZero())
	assert.Equal(t, int64(100000), entries[1].Max.Int64OrZero())

	require.Equal(t, 1, calls.len())
	assert.Equal(t, "secret", calls.get(0)["key"])
	assert.Equal(t, "services", calls.get(0)["action"])
}

func TestSubmit(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order": 23501}`))
	})

	id, err := c.Submit(context.Background(), AddOrder{ServiceID: "1", Link: "https://x.com/a", Quantity: 1000})
	require.NoError(t, err)
	assert.Equal(t, "23501", id)

	p := calls.get(0)
	assert.Equal(t, "add", p["action"])
	assert.Equal(t, "1", p["service"])
	assert.Equal(t, float64(1000), p["quantity"])
	assert.NotContains(t, p, "runs")
}

func TestSubmitDripFeed(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order": "77"}`))
	})

	_, err := c.Submit(context.Background(), AddOrder{ServiceID: "1", Link: "https://x.com/a", Quantity: 100, Runs: 5, Interval: 30})
	require.NoError(t, err)
	assert.Equal(t, float64(5), calls.get(0)["runs"])
	assert.Equal(t, float64(30), calls.get(0)["interval"])
}

func TestSubmitRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "Not enough funds on balance"}`))
	})

	_, err := c.Submit(context.Background(), AddOrder{ServiceID: "1", Link: "https://x.com/a", Quantity: 1000})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "Not enough funds")
}

func TestTransientFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{"garbled body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>maintenance</html>`))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(time.Second)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.handler)
			_, err := c.Progress(context.Background(), "1")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
			assert.False(t, errors.Is(err, ErrRejected))
		})
	}
}

func TestProgress(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9", payloadOf(r)["order"])
		w.Write([]byte(`{"charge": "0.27819", "start_count": "3572", "status": "Partial", "remains": "157", "currency": "USD"}`))
	})

	p, err := c.Progress(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, "Partial", p.Status)
	assert.Equal(t, int64(3572), p.StartCount)
	assert.Equal(t, int64(157), p.Remains)
	assert.Equal(t, "0.27819", p.Charge.String())
	assert.Equal(t, PhaseCompleted, p.Phase())
}

func TestMultiProgress(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1,10", payloadOf(r)["orders"])
		w.Write([]byte(`{
			"1": {"charge": "0.27", "start_count": "3572", "status": "In progress", "remains": "157", "currency": "USD"},
			"10": {"error": "Incorrect order ID"}
		}`))
	})

	res, err := c.MultiProgress(context.Background(), []string{"1", "10"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.NotNil(t, res["1"].Progress)
	assert.Equal(t, PhaseInProgress, res["1"].Progress.Phase())
	assert.True(t, errors.Is(res["10"].Err, ErrRejected))
}

func TestPhase(t *testing.T) {
	tests := map[string]Phase{
		"Pending":     PhaseInProgress,
		"In progress": PhaseInProgress,
		"Processing":  PhaseInProgress,
		"Completed":   PhaseCompleted,
		"Partial":     PhaseCompleted,
		"Canceled":    PhaseCancelled,
		"cancelled":   PhaseCancelled,
		"":            PhaseInProgress,
	}
	for status, want := range tests {
		assert.Equal(t, want, Progress{Status: status}.Phase(), status)
	}
}
