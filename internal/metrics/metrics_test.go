package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "/api/rewards", 200, 10*time.Millisecond)
	m.ObserveRequest("GET", "/api/rewards", 200, 20*time.Millisecond)

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/rewards", "200")); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
}

func TestObserveCacheLoadAndCheckout(t *testing.T) {
	m := New()
	m.ObserveCacheLoad("users", nil)
	m.ObserveCacheLoad("users", errors.New("down"))
	m.ObserveCheckout("completed")
	m.ObserveAdjustment()

	if got := testutil.ToFloat64(m.cacheLoads.WithLabelValues("users", "error")); got != 1 {
		t.Errorf("failed loads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.redemptions.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed checkouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.adjustments); got != 1 {
		t.Errorf("adjustments = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", "/", 200, time.Millisecond)
	m.ObserveCheckout("rejected")
	m.RequestStarted()
	m.RequestFinished()
}

func TestInstrumentTransport(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	m := New()
	client := &http.Client{Transport: m.InstrumentTransport(nil)}
	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	if n := testutil.CollectAndCount(m.gatewayDuration); n != 1 {
		t.Errorf("gateway series = %d, want 1", n)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveCheckout("partial")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `perks_redemption_checkouts_total{outcome="partial"} 1`) {
		t.Errorf("metrics output missing checkout counter:\n%s", body)
	}
}
