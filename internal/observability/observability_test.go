package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/crucible/internal/config"
)

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil {
		t.Fatal("expected metrics and tracing disabled for nil config")
	}
	if obs.Health == nil {
		t.Fatal("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Fatal("expected metrics collector")
	}
	if obs.TracerOrNil() != nil {
		t.Error("tracer should be nil when not enabled")
	}
}

func TestObservability_NilSafe(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}

	var m *MetricsCollector
	m.RecordGatewayRequest("p", "m", "ok", time.Second)
	m.RecordShortfall(10)
	m.RecordAutoPause(false)

	var ts *TracerSetup
	_, span := ts.StartSpan(context.Background(), "noop")
	EndSpan(span, errors.New("boom"))
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordGatewayRequest("anthropic", "claude", "success", 200*time.Millisecond)
	m.RecordGatewayRequest("anthropic", "claude", "success", 100*time.Millisecond)
	m.RecordGatewayRequest("anthropic", "claude", "budget_exceeded", 0)
	m.RecordPosted("debit", 42)
	m.RecordShortfall(7)
	m.RecordTransition("running", "paused")

	if got := counterValue(t, m.Registry, "crucible_gateway_requests_total", prometheus.Labels{"outcome": "success"}); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "crucible_gateway_requests_total", prometheus.Labels{"outcome": "budget_exceeded"}); got != 1 {
		t.Errorf("denied count = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "crucible_ledger_credits_posted_total", prometheus.Labels{"type": "debit"}); got != 42 {
		t.Errorf("credits posted = %v, want 42", got)
	}
	if got := counterValue(t, m.Registry, "crucible_ledger_shortfall_credits_total", nil); got != 7 {
		t.Errorf("shortfall credits = %v, want 7", got)
	}
	if got := counterValue(t, m.Registry, "crucible_experiment_transitions_total", prometheus.Labels{"from": "running", "to": "paused"}); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
}

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("cache", func(ctx context.Context) error { return errors.New("connection refused") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %+v", status.Checks["db"])
	}
	if c := status.Checks["cache"]; c.Status != "fail" || c.Message != "connection refused" {
		t.Errorf("cache check = %+v", c)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("down") })
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("liveness = %q, want ok regardless of checks", got.Status)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/ai/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "crucible_http_requests_total", prometheus.Labels{"method": "POST", "path": "/v1/ai/completions", "status_code": "402"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHTTPMetricsMiddleware_Hijack(t *testing.T) {
	metrics := NewMetricsCollector()

	// Hijack through a plain type assertion, the way okapi's writer does.
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "not a hijacker", http.StatusInternalServerError)
			return
		}
		conn, brw, err := hj.Hijack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer conn.Close()
		brw.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
		brw.Flush()
	}))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("got %d %q, want the hijacked response", resp.StatusCode, body)
	}

	// The counter moves after the handler returns, which may trail the read.
	labels := prometheus.Labels{"method": "GET", "path": "/v1/events", "status_code": "101"}
	deadline := time.Now().Add(time.Second)
	for counterValue(t, metrics.Registry, "crucible_http_requests_total", labels) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("hijacked request was not counted with status 101")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
