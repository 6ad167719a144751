package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerDisabled(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "yolotrain"}, nil)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	_, span := p.StartSpan(context.Background(), "noop")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		in       string
		endpoint string
		insecure bool
	}{
		{"localhost:4318", "localhost:4318", true},
		{"http://collector:4318/", "collector:4318", true},
		{"https://otel.example.com", "otel.example.com", false},
	}
	for _, tt := range tests {
		endpoint, insecure := splitEndpoint(tt.in)
		if endpoint != tt.endpoint || insecure != tt.insecure {
			t.Errorf("splitEndpoint(%q) = %q, %v; want %q, %v", tt.in, endpoint, insecure, tt.endpoint, tt.insecure)
		}
	}
}

func TestHTTPMiddlewareNamesSpanByRoute(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	p := NewProvider(tp, "test")
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	r := mux.NewRouter()
	r.Use(HTTPMiddleware(p))
	r.HandleFunc("/api/training/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/training/status/abc", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if want := "GET /api/training/status/{id}"; spans[0].Name != want {
		t.Errorf("span name = %q, want %q", spans[0].Name, want)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want %v", spans[0].Status.Code, codes.Error)
	}
	status := attribute.Int("http.status_code", 500)
	found := false
	for _, kv := range spans[0].Attributes {
		if kv == status {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v missing %v", spans[0].Attributes, status)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response carries no Traceparent header")
	}
}
