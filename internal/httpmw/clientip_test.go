package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/http/httptest"
	"testing"
)

func TestResolveClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		hops       int
		want       string
		wantXFF    bool
	}{
		// exposed directly
		{"direct public peer", "203.0.113.9:51000", "", 0, "203.0.113.9", false},
		{"direct ignores xff", "203.0.113.9:51000", "198.51.100.1", 0, "203.0.113.9", false},
		{"direct private peer ignores xff", "10.0.0.2:51000", "198.51.100.1", 0, "10.0.0.2", false},
		{"direct ipv6", "[2001:db8::7]:443", "198.51.100.1", 0, "2001:db8::7", false},
		{"v4-mapped peer unmapped", "[::ffff:203.0.113.9]:443", "", 0, "203.0.113.9", false},

		// behind nginx on the same host
		{"loopback proxy", "127.0.0.1:40000", "198.51.100.1", 1, "198.51.100.1", true},
		{"ipv6 loopback proxy", "[::1]:40000", "198.51.100.1", 1, "198.51.100.1", true},
		{"loopback proxy no xff", "127.0.0.1:40000", "", 1, "127.0.0.1", false},

		// behind a private load balancer
		{"private proxy rightmost", "10.0.0.2:40000", "192.0.2.1, 198.51.100.1", 1, "198.51.100.1", true},
		{"two hops", "10.0.0.2:40000", "192.0.2.1, 198.51.100.1, 10.0.0.9", 2, "198.51.100.1", true},
		{"spoofed left entries ignored", "10.0.0.2:40000", "6.6.6.6, 198.51.100.1", 1, "198.51.100.1", true},
		{"fewer entries than hops", "10.0.0.2:40000", "198.51.100.1", 3, "10.0.0.2", false},
		{"garbage entry keeps peer", "10.0.0.2:40000", "not-an-ip", 1, "10.0.0.2", true},
		{"ipv6 forwarded", "10.0.0.2:40000", "2001:db8::1", 1, "2001:db8::1", true},

		// public peer never trusted
		{"public peer with hops", "203.0.113.9:51000", "198.51.100.1", 1, "203.0.113.9", false},

		// malformed peers
		{"no port", "203.0.113.9", "198.51.100.1", 1, "203.0.113.9", true},
		{"unparsable host", "example.com:80", "198.51.100.1", 1, "0.0.0.0", true},
		{"empty", "", "198.51.100.1", 1, "0.0.0.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/download/abc", http.NoBody)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
				r.Header.Set("X-Forwarded-Proto", "https")
			}

			if got := resolveClientAddr(r, tt.hops); got != tt.want {
				t.Fatalf("resolveClientAddr = %q, want %q", got, tt.want)
			}
			if tt.xff == "" {
				return
			}
			if has := r.Header.Get("X-Forwarded-For") != ""; has != tt.wantXFF {
				t.Fatalf("X-Forwarded-For kept = %v, want %v", has, tt.wantXFF)
			}
			if has := r.Header.Get("X-Forwarded-Proto") != ""; has != tt.wantXFF {
				t.Fatalf("X-Forwarded-Proto kept = %v, want %v", has, tt.wantXFF)
			}
		})
	}
}

func TestClientIPMiddleware(t *testing.T) {
	tests := []struct {
		name string
		mw   func(http.Handler) http.Handler
		want string
	}{
		{"default ignores xff", ClientIP, "127.0.0.1"},
		{"one hop", ClientIPWithOptions(ClientIPOptions{TrustedHops: 1}), "198.51.100.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := tt.mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIPFromContext(r.Context())
			}))
			r := httptest.NewRequest(http.MethodGet, "/measure/1", http.NoBody)
			r.RemoteAddr = "127.0.0.1:40000"
			r.Header.Set("X-Forwarded-For", "198.51.100.1")
			h.ServeHTTP(httptest.NewRecorder(), r)

			if got != tt.want {
				t.Fatalf("client ip = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPContext(t *testing.T) {
	if got := ClientIPFromContext(context.Background()); got != "" {
		t.Fatalf("bare context = %q", got)
	}
	if got := ClientIPFromContext(WithClientIP(context.Background(), "")); got != "" {
		t.Fatalf("empty ip stored: %q", got)
	}
	if got := ClientIPFromContext(WithClientIP(context.Background(), "203.0.113.9")); got != "203.0.113.9" {
		t.Fatalf("got %q", got)
	}
}

func FuzzResolveClientAddr(f *testing.F) {
	f.Add("10.0.0.1:8080", "203.0.113.50, 10.0.0.1", 1)
	f.Add("127.0.0.1:1", "", 1)
	f.Add("[::1]:1", "::ffff:1.2.3.4", 1)
	f.Add("203.0.113.1:443", "10.0.0.1", 2)
	f.Add("", "x", 0)

	f.Fuzz(func(t *testing.T, remote, xff string, hops int) {
		r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		r.RemoteAddr = remote
		if xff != "" {
			r.Header.Set("X-Forwarded-For", xff)
		}
		got := resolveClientAddr(r, hops)
		if got == "" {
			t.Fatalf("empty address for remote=%q xff=%q hops=%d", remote, xff, hops)
		}
		if hops > 0 {
			return
		}
		host, _, err := net.SplitHostPort(remote)
		if err != nil {
			return
		}
		peer, err := netip.ParseAddr(host)
		if err != nil {
			return
		}
		if got != peer.Unmap().String() {
			t.Fatalf("hops=0 resolved %q, want peer %q", got, peer.Unmap())
		}
		if r.Header.Get("X-Forwarded-For") != "" {
			t.Fatal("X-Forwarded-For kept with hops=0")
		}
	})
}
