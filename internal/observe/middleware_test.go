package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// wrap builds the middleware over fresh metrics and an in-memory span
// exporter, returning the instrumented handler pieces the tests inspect.
func wrap(t *testing.T, inner http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := spanFixture(t)
	return Middleware(m)(inner), reader, exp
}

func TestMiddleware_CorrelationIDOnLogin(t *testing.T) {
	var cid string
	h, _, _ := wrap(t, func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/login", nil))

	if len(cid) != 32 {
		t.Fatalf("handler saw correlation ID %q, want 32 hex chars", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, cid)
	}
}

func TestMiddleware_NamesSpanAfterRoute(t *testing.T) {
	h, _, exp := wrap(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/view", nil))

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no span recorded for the request")
	}
	if spans[0].Name != "HTTP GET /view" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /view")
	}
}

func TestMiddleware_RecordsRequestDuration(t *testing.T) {
	h, reader, _ := wrap(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/transcript", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "duolog.http.request.duration")
	if met == nil {
		t.Fatal("duolog.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("request duration has no histogram samples")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	want := map[string]string{"method": "GET", "path": "/api/transcript"}
	for _, kv := range dp.Attributes.ToSlice() {
		if v, ok := want[string(kv.Key)]; ok && kv.Value.AsString() == v {
			delete(want, string(kv.Key))
		}
	}
	for k := range want {
		t.Errorf("missing %s attribute on request duration sample", k)
	}
}

func TestMiddleware_CapturesErrorStatus(t *testing.T) {
	// A login whose store is unreachable answers 502; the span must carry it.
	h, _, exp := wrap(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/login", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("response status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no span recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 502 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=502")
	}
}

func TestMiddleware_JoinsUpstreamTrace(t *testing.T) {
	const upstream = "6d7e2697a2f9d8453f71b3acdd3a9f62"

	var cid string
	h, _, _ := wrap(t, func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	// The speech engine forwards its own W3C trace context on the feed.
	req := httptest.NewRequest("GET", "/feed", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if cid != upstream {
		t.Errorf("correlation ID = %q, want upstream trace %q", cid, upstream)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstream)
	}
}
