package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.Accepted.Inc()
	m.Accepted.Inc()
	m.Rejected.WithLabelValues(ReasonCapacity).Inc()
	m.Evictions.WithLabelValues(ReasonTimeout).Add(3)
	m.ObserveRequest(200, time.Millisecond)
	m.ObserveRequest(200, 2*time.Millisecond)
	m.ObserveRequest(400, time.Millisecond)

	if got := testutil.ToFloat64(m.Accepted); got != 2 {
		t.Errorf("Expected 2 accepted, got %v", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("200")); got != 2 {
		t.Errorf("Expected 2 OK requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.Evictions.WithLabelValues(ReasonTimeout)); got != 3 {
		t.Errorf("Expected 3 timeouts, got %v", got)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.Accepted.Inc()
	if got := testutil.ToFloat64(b.Accepted); got != 0 {
		t.Errorf("Metrics leaked between instances: %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.Active.Set(5)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "super_server_connections_active 5") {
		t.Errorf("Gauge missing from exposition:\n%s", body)
	}
}
