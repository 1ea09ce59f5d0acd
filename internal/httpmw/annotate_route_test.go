package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, sr
}

func TestRoutePattern(t *testing.T) {
	withPatterns := func(p ...string) *http.Request {
		rctx := chi.NewRouteContext()
		rctx.RoutePatterns = p
		req := httptest.NewRequest(http.MethodGet, "/download/abc", http.NoBody)
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	tests := []struct {
		name string
		req  *http.Request
		want string
	}{
		{"no route context", httptest.NewRequest(http.MethodGet, "/download/abc", http.NoBody), UnmatchedRoute},
		{"no patterns", withPatterns(), UnmatchedRoute},
		{"download", withPatterns("/download/{hash}"), "/download/{hash}"},
		{"nested", withPatterns("/api/*", "/cluster/status"), "/api/cluster/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoutePattern(tt.req); got != tt.want {
				t.Fatalf("RoutePattern = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnnotateHTTPRoute_RenamesSpan(t *testing.T) {
	tests := []struct {
		path      string
		wantName  string
		wantRoute string
	}{
		{"/download/0123456789abcdef0123456789abcdef", "GET /download/{hash}", "/download/{hash}"},
		{"/measure/10", "GET /measure/{size}", "/measure/{size}"},
		{"/nothing/here", "GET unmatched", UnmatchedRoute},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			tp, sr := newTestTracerProvider(t)

			r := chi.NewRouter()
			r.Use(AnnotateHTTPRoute)
			r.Get("/download/{hash}", func(http.ResponseWriter, *http.Request) {})
			r.Get("/measure/{size}", func(http.ResponseWriter, *http.Request) {})

			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			ctx, span := tp.Tracer("test").Start(req.Context(), "GET")
			r.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))
			span.End()

			ended := sr.Ended()
			if len(ended) != 1 {
				t.Fatalf("spans = %d, want 1", len(ended))
			}
			if ended[0].Name() != tt.wantName {
				t.Fatalf("span name = %q, want %q", ended[0].Name(), tt.wantName)
			}
			var route string
			for _, kv := range ended[0].Attributes() {
				if kv.Key == attribute.Key("http.route") {
					route = kv.Value.AsString()
				}
			}
			if route != tt.wantRoute {
				t.Fatalf("http.route = %q, want %q", route, tt.wantRoute)
			}
		})
	}
}

func TestAnnotateHTTPRoute_NoSpan(t *testing.T) {
	called := false
	h := AnnotateHTTPRoute(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !called || rec.Code != http.StatusTeapot {
		t.Fatalf("handler called=%v code=%d", called, rec.Code)
	}
}
