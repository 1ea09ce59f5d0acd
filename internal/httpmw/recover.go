package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

// Recover turns a handler panic into a logged 500 so one bad request never
// takes the node down. onPanic, if set, is called after logging.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "handler panic")
				} else {
					err = xerrors.Newf("handler panic: %v", rec)
				}
				logger.With(
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				// headers may already be out; this is best effort
				w.Header().Set("Cache-Control", "no-store")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

