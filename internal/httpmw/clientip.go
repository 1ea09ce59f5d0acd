package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures how the client address is resolved.
type ClientIPOptions struct {
	// TrustedHops is how many reverse proxies sit in front of the node.
	// 0 means the node is exposed directly and X-Forwarded-For is ignored;
	// 1 takes the rightmost entry, N the Nth from the right.
	TrustedHops int
}

// ClientIP resolves the client address of a directly exposed node.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved client address in the request
// context for the rate limiter and the access log.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientAddr returns the address a request is attributed to.
// Forwarded headers are honoured only when trustedHops is set and the peer
// is a proxy the operator controls: loopback (nginx on the same host) or a
// private address. In every other case they are removed so nothing
// downstream reads them.
func resolveClientAddr(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return "0.0.0.0"
	}
	peer = peer.Unmap()

	if trustedHops <= 0 || !(peer.IsLoopback() || peer.IsPrivate()) {
		dropForwarded(r)
		return peer.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer entries than proxies: spoofed or misconfigured
		dropForwarded(r)
		return peer.String()
	}
	fwd, err := netip.ParseAddr(strings.TrimSpace(parts[idx]))
	if err != nil {
		return peer.String()
	}
	return fwd.Unmap().String()
}

func dropForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the address stored by ClientIPWithOptions.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
