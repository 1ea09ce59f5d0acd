package httpmw

import "net/http"

// MaxBody caps request bodies at limit bytes. The node's routes are all
// GET or HEAD, so a declared oversized body is refused with 413 before the
// handler runs; an undeclared one fails when the handler reads past limit.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				w.Header().Set("Connection", "close")
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
