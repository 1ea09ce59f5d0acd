package metrics

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/openbmclapi-cluster/internal/httpmw"
)

// httpMetrics covers the public listener.
type httpMetrics struct {
	inflight     prometheus.Gauge
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec
	serverErrors *prometheus.CounterVec
	panics       prometheus.Counter

	rateLimited       prometheus.Counter
	rateLimitCapacity prometheus.Counter
}

func newHTTPMetrics() httpMetrics {
	return httpMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Requests currently being served",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests by method, route pattern and status",
		}, []string{"method", "route", "status"}),
		// downloads of large files run for minutes
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route pattern",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"method", "route"}),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response body size by method and route pattern",
			Buckets: prometheus.ExponentialBuckets(256, 8, 9),
		}, []string{"method", "route"}),
		serverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "5xx responses by method and route pattern",
		}, []string{"method", "route"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Handler panics recovered by middleware",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter",
		}),
		rateLimitCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Times the rate limiter's visitor table was full",
		}),
	}
}

func (h httpMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		h.inflight,
		h.requests,
		h.duration,
		h.responseSize,
		h.serverErrors,
		h.panics,
		h.rateLimited,
		h.rateLimitCapacity,
	}
}

func (m *Metrics) IncHttpPanic()         { m.http.panics.Inc() }
func (m *Metrics) IncRateLimitDenied()   { m.http.rateLimited.Inc() }
func (m *Metrics) IncRateLimitCapacity() { m.http.rateLimitCapacity.Inc() }

// countingWriter records the status and body bytes of a response.
type countingWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *countingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// ReadFrom keeps the sendfile path for file downloads.
func (w *countingWriter) ReadFrom(r io.Reader) (int64, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := io.Copy(w.ResponseWriter, r)
	w.bytes += n
	return n, err
}

func (w *countingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *countingWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Middleware records request count, latency and response size per route
// pattern. It may sit outside the chi router: chi reuses a route context
// it finds on the request, so one is installed here and read afterwards.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.http.inflight.Inc()
		defer m.http.inflight.Dec()

		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		route := httpmw.RoutePattern(r)
		code := cw.code()
		m.http.requests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		if code >= 500 {
			m.http.serverErrors.WithLabelValues(r.Method, route).Inc()
		}

		observe(m.http.duration.WithLabelValues(r.Method, route), time.Since(start).Seconds(), traceExemplar(r.Context()))
		m.http.responseSize.WithLabelValues(r.Method, route).Observe(float64(cw.bytes))
	})
}

func observe(o prometheus.Observer, v float64, exemplar prometheus.Labels) {
	if eo, ok := o.(prometheus.ExemplarObserver); ok && exemplar != nil {
		eo.ObserveWithExemplar(v, exemplar)
		return
	}
	o.Observe(v)
}

// traceExemplar links a latency sample to its trace when the trace is
// sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
