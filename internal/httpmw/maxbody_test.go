package httpmw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMaxBody_DeclaredLength(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantCalled bool
	}{
		{"empty", "", http.StatusOK, true},
		{"at limit", strings.Repeat("a", 16), http.StatusOK, true},
		{"over limit", strings.Repeat("a", 17), http.StatusRequestEntityTooLarge, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := MaxBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				if _, err := io.ReadAll(r.Body); err != nil {
					t.Errorf("read body: %v", err)
				}
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/measure/1", strings.NewReader(tt.body)))

			if rec.Code != tt.wantCode || called != tt.wantCalled {
				t.Fatalf("code=%d called=%v, want %d %v", rec.Code, called, tt.wantCode, tt.wantCalled)
			}
		})
	}
}

func TestMaxBody_UndeclaredLength(t *testing.T) {
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader(strings.Repeat("b", 64))))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)

	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) {
		t.Fatalf("read error = %v, want *http.MaxBytesError", readErr)
	}
	if mbe.Limit != 8 {
		t.Fatalf("limit = %d, want 8", mbe.Limit)
	}
}
