package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func spanContextWithFlags(flags trace.TraceFlags) context.Context {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceResponseHeaders(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"sampled", spanContextWithFlags(trace.FlagsSampled), "0102030405060708090a0b0c0d0e0f10"},
		{"not sampled", spanContextWithFlags(0), ""},
		{"no span", context.Background(), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := TraceResponseHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// header must already be set when the handler commits the status
				w.WriteHeader(http.StatusForbidden)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/abc", http.NoBody).WithContext(tt.ctx))

			if got := rec.Header().Get(TraceIDHeader); got != tt.want {
				t.Fatalf("%s = %q, want %q", TraceIDHeader, got, tt.want)
			}
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}
		})
	}
}
