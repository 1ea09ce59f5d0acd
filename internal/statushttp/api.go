// Package statushttp serves a read-only JSON view of the node's state.
package statushttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/openbmclapi-cluster/internal/httpmw"
	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/session"
	"github.com/keithlinneman/openbmclapi-cluster/internal/syncer"
	"github.com/keithlinneman/openbmclapi-cluster/internal/version"
)

// SyncStatus is satisfied by *syncer.Synchronizer.
type SyncStatus interface {
	LastReport() (syncer.Report, bool)
	ManifestSize() int
}

// NodeStatus is satisfied by *node.Node.
type NodeStatus interface {
	SessionState() session.State
	CertificateReady() bool
}

// API implements the status endpoint
type API struct {
	sync   SyncStatus
	node   NodeStatus
	logger log.Logger
	now    func() time.Time
}

// NewAPI creates a status API. node may be nil before the session is up.
func NewAPI(sync SyncStatus, node NodeStatus, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{sync: sync, node: node, logger: logger, now: time.Now}
}

// RegisterRoutes attaches the status endpoint to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("status")).Get("/api/cluster/status", api.HandleStatus)
}

// StatusResponse is the body of /api/cluster/status
type StatusResponse struct {
	Version         string         `json:"version"`
	ProtocolVersion string         `json:"protocol_version"`
	Session         string         `json:"session"`
	CertReady       bool           `json:"cert_ready"`
	ManifestEntries int            `json:"manifest_entries"`
	LastSync        *syncer.Report `json:"last_sync,omitempty"`
	ServerTime      time.Time      `json:"server_time"`
}

// HandleStatus serves the current node status
func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := version.Get()

	resp := StatusResponse{
		Version:         info.Version,
		ProtocolVersion: info.ProtocolVersion,
		Session:         session.Disconnected.String(),
		ServerTime:      api.now().UTC().Truncate(time.Second),
	}
	if api.node != nil {
		resp.Session = api.node.SessionState().String()
		resp.CertReady = api.node.CertificateReady()
	}
	if api.sync != nil {
		resp.ManifestEntries = api.sync.ManifestSize()
		if rep, ok := api.sync.LastReport(); ok {
			resp.LastSync = &rep
		}
	}

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
