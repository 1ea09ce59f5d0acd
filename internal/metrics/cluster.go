package metrics

import "github.com/prometheus/client_golang/prometheus"

// clusterMetrics covers the coordinator session, manifest sync, the content
// store and file serving.
type clusterMetrics struct {
	sessionState  *prometheus.GaugeVec
	sessionEvents *prometheus.CounterVec

	syncPasses      *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	syncFiles       *prometheus.CounterVec
	fileFetches     *prometheus.CounterVec
	fetchedBytes    prometheus.Counter
	manifestEntries prometheus.Gauge
	syncLastSuccess prometheus.Gauge
	syncStale       prometheus.Gauge

	storeFiles prometheus.Gauge
	storeBytes prometheus.Gauge

	downloads   *prometheus.CounterVec
	servedBytes prometheus.Counter

	certRequests *prometheus.CounterVec
}

func newClusterMetrics() clusterMetrics {
	return clusterMetrics{
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cluster_session_state",
			Help: "Current coordinator session state (label carries value, gauge is always 1)",
		}, []string{"state"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_session_events_total",
			Help: "Coordinator session events surfaced to the node by kind",
		}, []string{"kind"}),
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_sync_passes_total",
			Help: "Sync passes by result",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cluster_sync_pass_duration_seconds",
			Help:    "Time to fetch the manifest and reconcile the store",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		}),
		syncFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_sync_files_total",
			Help: "Files handled by reconcile passes by outcome",
		}, []string{"outcome"}),
		fileFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_file_fetches_total",
			Help: "File fetch attempts by source and result",
		}, []string{"source", "result"}),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cluster_fetched_bytes_total",
			Help: "Bytes downloaded and verified into the content store",
		}),
		manifestEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_manifest_entries",
			Help: "Entries in the last fetched manifest",
		}),
		syncLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_sync_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last completed sync pass",
		}),
		syncStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_sync_stale",
			Help: "Whether sync is stale (1) or healthy (0)",
		}),
		storeFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_store_files",
			Help: "Verified files in the content store at the last scan",
		}),
		storeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_store_bytes",
			Help: "Bytes in the content store at the last scan",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_downloads_total",
			Help: "Download requests by result",
		}, []string{"result"}),
		servedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cluster_served_bytes_total",
			Help: "File bytes served to clients",
		}),
		certRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_cert_requests_total",
			Help: "Certificate requests to the coordinator by result",
		}, []string{"result"}),
	}
}

func (c clusterMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.sessionState,
		c.sessionEvents,
		c.syncPasses,
		c.syncDuration,
		c.syncFiles,
		c.fileFetches,
		c.fetchedBytes,
		c.manifestEntries,
		c.syncLastSuccess,
		c.syncStale,
		c.storeFiles,
		c.storeBytes,
		c.downloads,
		c.servedBytes,
		c.certRequests,
	}
}

// session

func (m *Metrics) SetSessionState(state string) {
	m.cluster.sessionState.Reset()
	m.cluster.sessionState.WithLabelValues(state).Set(1)
}

func (m *Metrics) IncSessionEvent(kind string) {
	m.cluster.sessionEvents.WithLabelValues(kind).Inc()
}

// sync

func (m *Metrics) ObserveSyncPass(result string, seconds float64) {
	m.cluster.syncPasses.WithLabelValues(result).Inc()
	m.cluster.syncDuration.Observe(seconds)
}

func (m *Metrics) AddSyncFiles(outcome string, n int) {
	if n > 0 {
		m.cluster.syncFiles.WithLabelValues(outcome).Add(float64(n))
	}
}

func (m *Metrics) IncFileFetch(source, result string) {
	m.cluster.fileFetches.WithLabelValues(source, result).Inc()
}

func (m *Metrics) AddFetchedBytes(n int64) {
	m.cluster.fetchedBytes.Add(float64(n))
}

func (m *Metrics) SetManifestEntries(n int) {
	m.cluster.manifestEntries.Set(float64(n))
}

func (m *Metrics) SetSyncLastSuccess(unixSeconds float64) {
	m.cluster.syncLastSuccess.Set(unixSeconds)
}

func (m *Metrics) SetSyncStale(stale bool) {
	m.cluster.syncStale.Set(boolGauge(stale))
}

// store

func (m *Metrics) SetStoreSize(files int, bytes int64) {
	m.cluster.storeFiles.Set(float64(files))
	m.cluster.storeBytes.Set(float64(bytes))
}

// serving

func (m *Metrics) IncDownload(result string) {
	m.cluster.downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) AddServedBytes(n int64) {
	m.cluster.servedBytes.Add(float64(n))
}

// certificates

func (m *Metrics) IncCertRequest(result string) {
	m.cluster.certRequests.WithLabelValues(result).Inc()
}
