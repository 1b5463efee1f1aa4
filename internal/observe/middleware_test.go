package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// opsFixture wires an in-memory tracer and meter behind the middleware.
type opsFixture struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	h      http.Handler
}

func newOpsFixture(t *testing.T, status int) *opsFixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	return &opsFixture{reader: reader, spans: exp, h: h}
}

func (f *opsFixture) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

// durationPoints returns the request-duration data points keyed by route.
func (f *opsFixture) durationPoints(t *testing.T) map[string]metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "murmur.http.request.duration")
	if met == nil {
		t.Fatal("murmur.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data is %T, want histogram", met.Data)
	}
	out := make(map[string]metricdata.HistogramDataPoint[float64])
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("path"))
		out[route.AsString()] = dp
	}
	return out
}

func TestRoute(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"/healthz":     "/healthz",
		"/readyz":      "/readyz",
		"/metrics":     "/metrics",
		"/":            "other",
		"/readyz/deep": "other",
		"/wp-login":    "other",
	}
	for path, want := range tests {
		if got := Route(path); got != want {
			t.Errorf("Route(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	f := newOpsFixture(t, http.StatusOK)

	f.get("/readyz", nil)
	f.get("/admin.php", nil)

	spans := f.spans.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q, want HTTP GET /readyz", spans[0].Name)
	}
	if spans[1].Name != "HTTP GET other" {
		t.Errorf("span name = %q, want HTTP GET other", spans[1].Name)
	}
	if spans[0].SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", spans[0].SpanKind)
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	f := newOpsFixture(t, http.StatusOK)

	rec := f.get("/healthz", nil)

	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want a 32-char trace ID", cid)
	}
	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("span trace ID = %s, header = %s", got, cid)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	f := newOpsFixture(t, http.StatusOK)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	rec := f.get("/metrics", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})

	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got := spans[0].Parent.SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s, want 00f067aa0ba902b7", got)
	}
}

func TestMiddleware_DurationByRouteAndStatus(t *testing.T) {
	f := newOpsFixture(t, http.StatusServiceUnavailable)

	f.get("/readyz", nil)
	f.get("/readyz", nil)
	f.get("/.env", nil)

	points := f.durationPoints(t)
	if len(points) != 2 {
		t.Fatalf("routes = %d, want 2 (readyz, other)", len(points))
	}
	ready, ok := points["/readyz"]
	if !ok {
		t.Fatal("no data point for /readyz")
	}
	if ready.Count != 2 {
		t.Errorf("/readyz count = %d, want 2", ready.Count)
	}
	status, _ := ready.Attributes.Value(attribute.Key("status"))
	if status.AsInt64() != http.StatusServiceUnavailable {
		t.Errorf("status attribute = %d, want 503", status.AsInt64())
	}
	method, _ := ready.Attributes.Value(attribute.Key("method"))
	if method.AsString() != http.MethodGet {
		t.Errorf("method attribute = %q, want GET", method.AsString())
	}
	if _, ok := points["other"]; !ok {
		t.Error("unknown path was not folded into other")
	}
}

func TestMiddleware_SpanCarriesStatus(t *testing.T) {
	f := newOpsFixture(t, http.StatusNotFound)

	rec := f.get("/healthz", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("response status = %d, want 404", rec.Code)
	}

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" && kv.Value.AsInt64() == http.StatusNotFound {
			return
		}
	}
	t.Errorf("span attributes %v lack http.response.status_code=404", spans[0].Attributes)
}
