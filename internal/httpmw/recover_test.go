package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
)

// spyLogger records Error calls and the fields bound through With.
type spyLogger struct {
	log.Logger
	mu     sync.Mutex
	fields []any
	errs   []error
	msgs   []string
}

func newSpyLogger() *spyLogger { return &spyLogger{Logger: log.Nop()} }

func (s *spyLogger) With(kv ...any) log.Logger {
	s.mu.Lock()
	s.fields = append(s.fields, kv...)
	s.mu.Unlock()
	return s
}

func (s *spyLogger) Error(_ context.Context, err error, msg string, _ ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	s.msgs = append(s.msgs, msg)
}

func (s *spyLogger) field(key string) (any, bool) { return fieldValue(s.fields, key) }

func TestRecover(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantCode  int
		wantErr   string
		wantPanic bool
	}{
		{
			name:     "no panic",
			handler:  func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
			wantCode: http.StatusNoContent,
		},
		{
			name:     "string panic",
			handler:  func(http.ResponseWriter, *http.Request) { panic("store index out of range") },
			wantCode: http.StatusInternalServerError,
			wantErr:  "handler panic: store index out of range",
		},
		{
			name:     "error panic",
			handler:  func(http.ResponseWriter, *http.Request) { panic(errors.New("nil file handle")) },
			wantCode: http.StatusInternalServerError,
			wantErr:  "nil file handle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := newSpyLogger()
			panics := 0
			h := Recover(spy, func() { panics++ })(tt.handler)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/abc?s=sig&e=exp", http.NoBody))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantErr == "" {
				if len(spy.errs) != 0 || panics != 0 {
					t.Fatalf("unexpected log/callback: errs=%v panics=%d", spy.errs, panics)
				}
				return
			}
			if panics != 1 {
				t.Fatalf("onPanic called %d times, want 1", panics)
			}
			if len(spy.errs) != 1 || !strings.Contains(spy.errs[0].Error(), tt.wantErr) {
				t.Fatalf("logged errs = %v, want %q", spy.errs, tt.wantErr)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Fatalf("Cache-Control = %q, want no-store", got)
			}
		})
	}
}

func TestRecover_LogsPathWithoutQuery(t *testing.T) {
	spy := newSpyLogger()
	h := Recover(spy, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/download/abc?s=secret-sig&e=lz", http.NoBody))

	if v, _ := spy.field("path"); v != "/download/abc" {
		t.Fatalf("path = %v, want /download/abc", v)
	}
	if v, _ := spy.field("method"); v != http.MethodGet {
		t.Fatalf("method = %v", v)
	}
	if v, ok := spy.field("stack"); !ok || !strings.Contains(v.(string), "goroutine") {
		t.Fatal("stack not logged")
	}
	for _, f := range spy.fields {
		if s, ok := f.(string); ok && strings.Contains(s, "secret-sig") {
			t.Fatal("signature leaked into panic log")
		}
	}
}

func TestRecover_ReRaisesAbortHandler(t *testing.T) {
	spy := newSpyLogger()
	called := false
	h := Recover(spy, func() { called = true })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
		if called || len(spy.errs) != 0 {
			t.Fatal("abort should not be logged or counted")
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/download/abc", http.NoBody))
	t.Fatal("panic was swallowed")
}

func TestRecover_NilLogger(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
