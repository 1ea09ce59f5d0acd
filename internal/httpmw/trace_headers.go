package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceIDHeader carries the trace of a request back to the client so a
// failed download can be matched to its span.
const TraceIDHeader = "X-Trace-Id"

// TraceResponseHeaders sets TraceIDHeader when the request's span is
// sampled. Unsampled IDs are never exported and are left off.
func TraceResponseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() && sc.IsSampled() {
			w.Header().Set(TraceIDHeader, sc.TraceID().String())
		}
		next.ServeHTTP(w, r)
	})
}
