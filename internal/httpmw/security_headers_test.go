package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveWithSecurityHeaders(h http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	SecurityHeaders(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/abc", http.NoBody))
	return rec
}

func TestSecurityHeaders_AllPresent(t *testing.T) {
	rec := serveWithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	required := map[string]string{
		"Strict-Transport-Security":         "max-age=31536000",
		"X-Content-Type-Options":            "nosniff",
		"X-Frame-Options":                   "DENY",
		"Referrer-Policy":                   "no-referrer",
		"X-Permitted-Cross-Domain-Policies": "none",
		"Cross-Origin-Resource-Policy":      "cross-origin",
	}
	for header, want := range required {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestSecurityHeaders_NoEmbedderPolicy(t *testing.T) {
	rec := serveWithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	// require-corp or same-origin isolation would break cross-origin downloads
	for _, h := range []string{"Cross-Origin-Embedder-Policy", "Cross-Origin-Opener-Policy"} {
		if got := rec.Header().Get(h); got != "" {
			t.Errorf("%s = %q, want unset", h, got)
		}
	}
}

func TestSecurityHeaders_CSP(t *testing.T) {
	rec := serveWithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	csp := rec.Header().Get("Content-Security-Policy")
	for _, d := range []string{"default-src 'none'", "frame-ancestors 'none'", "form-action 'none'"} {
		if !strings.Contains(csp, d) {
			t.Errorf("CSP missing directive %q, full CSP: %s", d, csp)
		}
	}
}

func TestSecurityHeaders_HeadersSetBeforeHandler(t *testing.T) {
	var seen string
	serveWithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get("X-Content-Type-Options")
	}))
	if seen != "nosniff" {
		t.Fatalf("handler saw X-Content-Type-Options = %q, want nosniff", seen)
	}
}
