package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/kazi/internal/clock"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/invoker"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Fatal("expected only the health checker for nil config")
	}
	if obs.Health == nil {
		t.Fatal("health checker should always be created")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{},
		Anomaly: &config.AnomalyConfig{},
	}, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, clock.Fake(time.Now()), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Error("metrics should be enabled")
	}
	if obs.Anomaly == nil {
		t.Error("anomaly should be enabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics")
	}
	// A nil TracerSetup still hands out a usable tracer.
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "noop")
	span.End()
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	m.AgentCallsTotal.WithLabelValues("coder", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/status", "200").Inc()
	m.ActiveRequests.Set(2)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"kazi_agent_calls_total",
		"kazi_http_requests_total",
		"kazi_http_active_requests",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddCheck("scheduler", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %q, want ok", status.Checks["store"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("scheduler", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "fail" {
		t.Errorf("store check = %q, want fail", status.Checks["store"].Status)
	}
	if status.Checks["store"].Message != "connection refused" {
		t.Errorf("store message = %q", status.Checks["store"].Message)
	}
	if status.Checks["scheduler"].Status != "ok" {
		t.Errorf("scheduler check = %q, want ok", status.Checks["scheduler"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("coder")
	a.RecordSuccess("coder")
	if rate, n := a.ErrorRate("coder"); rate != 0 || n != 0 {
		t.Errorf("ErrorRate on nil = %v, %d", rate, n)
	}
}

func TestAnomalyDetector_AlertsOncePerCrossing(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, clk, nil)

	var alerts []string
	a.OnAlert(func(agent string, rate float64) { alerts = append(alerts, agent) })

	for i := 0; i < 4; i++ {
		a.RecordSuccess("coder")
	}
	// Fewer than the minimum sample count never alerts.
	a.RecordError("coder")
	if len(alerts) != 0 {
		t.Fatalf("alerted too early: %v", alerts)
	}
	for i := 0; i < 5; i++ {
		a.RecordError("coder")
	}
	if len(alerts) != 1 || alerts[0] != "coder" {
		t.Fatalf("alerts = %v, want [coder]", alerts)
	}

	rate, n := a.ErrorRate("coder")
	if n != 10 || rate != 0.6 {
		t.Errorf("ErrorRate = %v over %d, want 0.6 over 10", rate, n)
	}

	// Other agents are tracked separately.
	if _, n := a.ErrorRate("reviewer"); n != 0 {
		t.Errorf("reviewer calls = %d, want 0", n)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, WindowSeconds: 60}, clk, nil)

	var alerts int
	a.OnAlert(func(string, float64) { alerts++ })

	for i := 0; i < 6; i++ {
		a.RecordError("coder")
	}
	if alerts != 1 {
		t.Fatalf("alerts = %d, want 1", alerts)
	}

	clk.Advance(2 * time.Minute)
	if _, n := a.ErrorRate("coder"); n != 0 {
		t.Fatalf("calls after window = %d, want 0", n)
	}

	// Recovery re-arms the alert.
	for i := 0; i < 5; i++ {
		a.RecordSuccess("coder")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("coder")
	}
	if alerts != 2 {
		t.Errorf("alerts = %d, want 2", alerts)
	}
}

// --- InstrumentedInvoker ---

func TestInstrumentedInvoker_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubInvoker{resp: &invoker.Response{Content: "done", TokensUsed: 120}}
	inv := NewInstrumentedInvoker(inner, nil, metrics, nil, nil)

	resp, err := inv.Call(context.Background(), "coder", "build it")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("content = %q", resp.Content)
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
	if v := counterValue(t, metrics.Registry, "kazi_agent_calls_total", prometheus.Labels{"agent": "coder", "status": "success"}); v != 1 {
		t.Errorf("agent calls = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "kazi_agent_tokens_used_total", prometheus.Labels{"agent": "coder"}); v != 120 {
		t.Errorf("tokens = %v, want 120", v)
	}
}

func TestInstrumentedInvoker_ErrorFeedsAnomaly(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5}, clock.Fake(time.Now()), nil)
	inner := &stubInvoker{err: errors.New("agent unavailable")}
	inv := NewInstrumentedInvoker(inner, nil, metrics, nil, anomaly)

	if _, err := inv.Call(context.Background(), "coder", "x"); err == nil {
		t.Fatal("expected error")
	}
	if v := counterValue(t, metrics.Registry, "kazi_agent_calls_total", prometheus.Labels{"agent": "coder", "status": "error"}); v != 1 {
		t.Errorf("error calls = %v, want 1", v)
	}
	if rate, n := anomaly.ErrorRate("coder"); rate != 1 || n != 1 {
		t.Errorf("ErrorRate = %v over %d, want 1 over 1", rate, n)
	}
}

func TestInstrumentedInvoker_CallNodeLabelsAgent(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubInvoker{resp: &invoker.Response{Content: "ok"}}
	nodes := stubNodes{"n-7": "planner"}
	inv := NewInstrumentedInvoker(inner, nodes, metrics, nil, nil)

	if _, err := inv.CallNode(context.Background(), "n-7", "plan"); err != nil {
		t.Fatalf("CallNode: %v", err)
	}
	if inner.lastNode != "n-7" {
		t.Errorf("inner node = %q, want n-7", inner.lastNode)
	}
	if v := counterValue(t, metrics.Registry, "kazi_agent_calls_total", prometheus.Labels{"agent": "planner", "status": "success"}); v != 1 {
		t.Errorf("planner calls = %v, want 1", v)
	}

	// Unknown nodes are labelled by their ID.
	if _, err := inv.CallNode(context.Background(), "n-9", "plan"); err != nil {
		t.Fatalf("CallNode: %v", err)
	}
	if v := counterValue(t, metrics.Registry, "kazi_agent_calls_total", prometheus.Labels{"agent": "n-9", "status": "success"}); v != 1 {
		t.Errorf("n-9 calls = %v, want 1", v)
	}
}

func TestInstrumentedInvoker_NilEverything(t *testing.T) {
	inv := NewInstrumentedInvoker(&stubInvoker{resp: &invoker.Response{}}, nil, nil, nil, nil)
	if _, err := inv.Call(context.Background(), "coder", "x"); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/v1/tickets/x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "kazi_http_requests_total", prometheus.Labels{"method": "GET", "path": "/v1/tickets/x", "status_code": "404"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_ImplicitOK(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, (*TracerSetup)(nil).Tracer(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/tickets", nil))

	val := counterValue(t, metrics.Registry, "kazi_http_requests_total", prometheus.Labels{"method": "POST", "path": "/v1/tickets", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

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

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

type stubInvoker struct {
	resp     *invoker.Response
	err      error
	calls    int
	lastNode string
}

func (s *stubInvoker) Call(_ context.Context, _, _ string) (*invoker.Response, error) {
	s.calls++
	return s.resp, s.err
}

func (s *stubInvoker) CallNode(_ context.Context, nodeID, _ string) (*invoker.Response, error) {
	s.calls++
	s.lastNode = nodeID
	return s.resp, s.err
}

type stubNodes map[string]string

func (s stubNodes) AgentFor(id string) (string, bool) {
	a, ok := s[id]
	return a, ok
}
