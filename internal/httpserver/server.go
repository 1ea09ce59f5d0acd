package httpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/openbmclapi-cluster/internal/health"
	"github.com/keithlinneman/openbmclapi-cluster/internal/httpmw"
	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"
)

// NewHandler builds the public handler: node routes plus the middleware
// chain. main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	r := chi.NewRouter()

	// only the status API is worth compressing; file bodies are opaque
	r.Use(middleware.Compress(5, "application/json"))

	// rename span and annotate logger with the chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	// clients never upload anything to a download node
	r.Use(httpmw.MaxBody(1024))

	if opts.Health != nil {
		r.Get(healthyPath, health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get(readyPath, health.ReadyzHandler(opts.Readiness))
	}

	for _, register := range opts.Routes {
		if register != nil {
			register(r)
		}
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	// outermost first; nil entries are skipped
	return httpmw.Chain(r,
		// every response carries them, even a recovered panic
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		// after client IP so it limits the resolved address
		opts.RateLimitMW,
		tracing,
		httpmw.TraceResponseHeaders,
		opts.MetricsMW,
		// inner so it sees trace_id
		httpmw.WithLogger(opts.Logger),
	)
}

func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		next,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the route pattern later
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)
}

// shouldTrace skips probes and the coordinator's bandwidth measurement.
func shouldTrace(p string) bool {
	switch {
	case p == healthyPath || p == readyPath:
		return false
	case p == "/favicon.ico" || p == "/robots.txt":
		return false
	case strings.HasPrefix(p, "/measure/"):
		return false
	}
	return true
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	// large files to slow clients take a while
	DefaultWriteTimeout   = 10 * time.Minute
	DefaultIdleTimeout    = 60 * time.Second
	DefaultMaxHeaderBytes = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start the public HTTP server.
// Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}
	scheme := "http"
	if opts.TLS != nil {
		srv.TLSConfig = opts.TLS
		ln = tls.NewListener(ln, opts.TLS)
		scheme = "https"
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr, "scheme", scheme)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
