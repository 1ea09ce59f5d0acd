package httpserver

import (
	"crypto/tls"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/openbmclapi-cluster/internal/health"
	"github.com/keithlinneman/openbmclapi-cluster/internal/httpmw"
	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
)

const DefaultPort = 4000

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()

	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	// Health and Readiness back /-/healthy and /-/ready when set
	Health    health.Probe
	Readiness health.Probe

	// Routes register the node's public endpoints (downloads, measure, status)
	Routes []func(chi.Router)

	// TLS, when set, wraps the listener. GetCertificate lets a certificate
	// provisioned after startup be picked up without a restart.
	TLS *tls.Config
}
