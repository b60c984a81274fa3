package observe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingHandler keeps every slog record it is handed.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) last(t *testing.T) slog.Record {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		t.Fatal("nothing was logged")
	}
	return h.records[len(h.records)-1]
}

type middlewareFixture struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *recordingHandler
}

// newMiddlewareFixture wraps status in the middleware with an in-memory
// meter, tracer and logger. It swaps the global tracer provider, so tests
// using it do not run in parallel.
func newMiddlewareFixture(t *testing.T, status int) *middlewareFixture {
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
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	logs := &recordingHandler{}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	return &middlewareFixture{
		handler: Middleware(m, slog.New(logs))(next),
		reader:  reader,
		spans:   exp,
		logs:    logs,
	}
}

func (f *middlewareFixture) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "new trace"},
		{
			name:        "continues caller trace",
			traceparent: "00-" + incoming + "-00f067aa0ba902b7-01",
			want:        incoming,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newMiddlewareFixture(t, http.StatusOK)
			h := http.Header{}
			if tc.traceparent != "" {
				h.Set("traceparent", tc.traceparent)
			}
			got := f.get("/status", h).Header().Get("X-Correlation-ID")
			if len(got) != 32 {
				t.Fatalf("X-Correlation-ID = %q, want a 32 character trace ID", got)
			}
			if tc.want != "" && got != tc.want {
				t.Errorf("X-Correlation-ID = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMiddleware_SpanCarriesRouteAndStatus(t *testing.T) {
	f := newMiddlewareFixture(t, http.StatusServiceUnavailable)

	if rec := f.get("/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var code int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			code = a.Value.AsInt64()
		}
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("span status attribute = %d, want %d", code, http.StatusServiceUnavailable)
	}
}

func TestMiddleware_RecordsDurationPerPath(t *testing.T) {
	f := newMiddlewareFixture(t, http.StatusOK)
	f.get("/status", nil)
	f.get("/status", nil)
	f.get("/healthz", nil)

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "earshot.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		method, _ := dp.Attributes.Value("method")
		if method.AsString() != http.MethodGet {
			t.Errorf("method attribute = %q", method.AsString())
		}
		counts[path.AsString()] += dp.Count
	}
	if counts["/status"] != 2 || counts["/healthz"] != 1 {
		t.Errorf("samples per path = %v, want /status:2 /healthz:1", counts)
	}
}

func TestMiddleware_PollingPathsLogAtDebug(t *testing.T) {
	tests := []struct {
		path string
		want slog.Level
	}{
		{"/healthz", slog.LevelDebug},
		{"/readyz", slog.LevelDebug},
		{"/metrics", slog.LevelDebug},
		{"/status", slog.LevelInfo},
		{"/healthz/extra", slog.LevelInfo},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			f := newMiddlewareFixture(t, http.StatusOK)
			f.get(tc.path, nil)

			r := f.logs.last(t)
			if r.Message != "request completed" {
				t.Fatalf("message = %q", r.Message)
			}
			if r.Level != tc.want {
				t.Errorf("level = %v, want %v", r.Level, tc.want)
			}
			var path string
			var status int64
			r.Attrs(func(a slog.Attr) bool {
				switch a.Key {
				case "path":
					path = a.Value.String()
				case "status":
					status = a.Value.Int64()
				}
				return true
			})
			if path != tc.path || status != http.StatusOK {
				t.Errorf("logged path=%q status=%d, want %q 200", path, status, tc.path)
			}
		})
	}
}
