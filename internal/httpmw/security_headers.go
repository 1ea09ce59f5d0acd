package httpmw

import "net/http"

// No CSRF protection: the public surface is stateless, cookie-free and
// read-only. Downloads are authorized by signed URL alone.

// SecurityHeaders adds headers suited to a file-serving node. Responses are
// binary blobs or small JSON documents fetched cross-origin by launchers, so
// resources are shareable cross-origin but never framed or rendered as HTML.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		h.Set("Strict-Transport-Security", "max-age=31536000")

		// nothing here is a document, refuse every fetch directive
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")

		// files are embedded by other origins (launchers, mirrors, web UIs)
		h.Set("Cross-Origin-Resource-Policy", "cross-origin")

		next.ServeHTTP(w, r)
	})
}
