package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
)

// requireNonPublicNetwork rejects callers outside loopback, private and
// link-local ranges. The ops port exposes pprof and cluster status, so it
// answers 403 when the node is accidentally published.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			L.Warn(r.Context(), "ops request with unparseable remote addr", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			L.Warn(r.Context(), "ops request with invalid remote ip", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		addr = addr.Unmap()
		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "ops request from public network rejected", "remote_ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
