// Package serve answers end-user download requests from the content store
// and the bandwidth self-test.
package serve

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/openbmclapi-cluster/internal/httpmw"
	"github.com/keithlinneman/openbmclapi-cluster/internal/store"
)

// SecretHeader carries the cluster secret on /measure requests.
const SecretHeader = "x-openbmclapi-secret"

const mib = 1 << 20

// measureBlock is 1 MiB of the repeating 00 66 cc ff pattern.
var measureBlock = func() []byte {
	b := make([]byte, mib)
	pattern := [4]byte{0x00, 0x66, 0xcc, 0xff}
	for i := range b {
		b[i] = pattern[i%4]
	}
	return b
}()

type Handler struct {
	opts Options
}

// New validates opts and returns a Handler.
func New(opts *Options) (*Handler, error) {
	if opts == nil {
		return nil, ErrInvalidOptions
	}
	o := *opts
	o.setDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}
	o.Logger = o.Logger.With("component", "serve")
	return &Handler{opts: o}, nil
}

// RegisterRoutes mounts the download and measure endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	dl := r.With(httpmw.Scope("download"))
	dl.Get("/download/{hash}", h.Download)
	dl.Head("/download/{hash}", h.Download)
	r.With(httpmw.Scope("measure")).Get("/measure/{size}", h.Measure)
}

// Download serves a cached file to a client holding a valid signed URL.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !h.opts.Verifier.Verify(hash, h.opts.Secret, r.URL.Query()) {
		h.observe("forbidden", 0)
		writeStatus(w, http.StatusForbidden)
		return
	}

	f, cf, err := h.opts.Store.Get(hash)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidHash):
		h.observe("not_found", 0)
		writeStatus(w, http.StatusNotFound)
		return
	case err != nil:
		h.observe("error", 0)
		h.opts.Logger.Error(r.Context(), err, "open cached file", "hash", hash)
		writeStatus(w, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("Cache-Control", h.opts.CacheControl)
	hdr.Set("ETag", `"`+cf.Hash+`"`)

	// ServeContent sets Content-Length and handles HEAD and Range
	http.ServeContent(w, r, "", cf.VerifiedAt, f)

	if r.Method == http.MethodGet {
		h.observe("ok", cf.SizeBytes)
	} else {
		h.observe("ok", 0)
	}
}

// Measure writes size MiB of a fixed pattern for bandwidth self-tests.
func (h *Handler) Measure(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.Secret)) != 1 {
		writeStatus(w, http.StatusForbidden)
		return
	}

	size, err := strconv.Atoi(chi.URLParam(r, "size"))
	if err != nil || size < 0 || size > MaxMeasureMB {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Content-Length", strconv.FormatInt(int64(size)*mib, 10))
	w.WriteHeader(http.StatusOK)

	for i := 0; i < size; i++ {
		if _, err := w.Write(measureBlock); err != nil {
			h.opts.Logger.Debug(r.Context(), "measure client went away", "written_mb", i)
			return
		}
	}
}

func (h *Handler) observe(result string, n int64) {
	if h.opts.Metrics == nil {
		return
	}
	h.opts.Metrics.IncDownload(result)
	if n > 0 {
		h.opts.Metrics.AddServedBytes(n)
	}
}

// writeStatus answers with the bare status text so no internal detail leaks.
func writeStatus(w http.ResponseWriter, code int) {
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, http.StatusText(code), code)
}
