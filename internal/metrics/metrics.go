// Package metrics owns the node's Prometheus registry. Everything here is
// scraped from the ops listener; label values are bounded (route patterns,
// results, states) and never carry a hash, path or client address.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/openbmclapi-cluster/internal/version"
)

type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	http    httpMetrics
	cluster clusterMetrics

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New builds a private registry with the Go and process collectors plus
// the node's own metrics.
func New() *Metrics {
	m := &Metrics{
		reg:     prometheus.NewRegistry(),
		http:    newHTTPMetrics(),
		cluster: newClusterMetrics(),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "protocol_version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is running (1) or not (0)",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.buildInfo,
		m.profilingActive,
	)
	m.reg.MustRegister(m.http.collectors()...)
	m.reg.MustRegister(m.cluster.collectors()...)

	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler { return m.handler }

// SetBuildInfoFromVersion publishes vi once at startup.
func (m *Metrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":              app,
		"component":        component,
		"version":          vi.Version,
		"protocol_version": vi.ProtocolVersion,
		"commit":           vi.Commit,
		"commit_date":      vi.CommitDate,
		"build_id":         vi.BuildId,
		"build_date":       vi.BuildDate,
		"go_version":       vi.GoVersion,
		"vcs_dirty":        dirty,
	}).Set(1)
}

func (m *Metrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
