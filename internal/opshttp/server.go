package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/openbmclapi-cluster/internal/health"
	"github.com/keithlinneman/openbmclapi-cluster/internal/httpmw"
	"github.com/keithlinneman/openbmclapi-cluster/internal/httpserver"
	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

// Handler builds the ops mux behind the private-network guard.
func Handler(L log.Logger, opts *Options) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.HealthzHandler(opts.Health))
	mux.Handle("GET /readyz", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		// shadow with 404s
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	h := requireNonPublicNetwork(L, mux)
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return h
}

// Start listens on the ops port and serves Handler until stop is called.
// The listener is bound before Start returns, so a port clash is reported
// to the caller.
func Start(ctx context.Context, L log.Logger, opts *Options) (stop func(context.Context) error, err error) {
	if opts == nil {
		opts = &Options{}
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on ops addr %s", addr)
	}
	srv := &http.Server{
		Handler:           Handler(L, opts),
		ReadHeaderTimeout: httpserver.DefaultReadHeaderTimeout,
		ReadTimeout:       httpserver.DefaultReadTimeout,
		// cpu and trace profiles stream for their full duration
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    httpserver.DefaultIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		L.Info(ctx, "ops listener up", "addr", addr, "pprof", opts.EnablePprof)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops listener failed")
		}
	}()

	var once sync.Once
	stop = func(sctx context.Context) error {
		once.Do(func() {
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			err = srv.Shutdown(c)
		})
		return err
	}
	return stop, nil
}
