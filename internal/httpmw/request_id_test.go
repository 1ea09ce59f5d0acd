package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("bare context = %q, want empty", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "")); got != "" {
		t.Fatalf("empty id stored: %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "req-1")); got != "req-1" {
		t.Fatalf("got %q, want req-1", got)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		incoming string
		keep     bool
	}{
		{"generated when missing", "", "", false},
		{"propagates well formed", "", "edge-7f3a.1_b", true},
		{"custom header", "X-Correlation-Id", "corr-42", true},
		{"replaces spaces", "", "has space", false},
		{"replaces control chars", "", "id\r\nlevel=error", false},
		{"replaces overlong", "", strings.Repeat("a", maxRequestIDLen+1), false},
		{"keeps max length", "", strings.Repeat("a", maxRequestIDLen), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := tt.header
			if header == "" {
				header = "X-Request-Id"
			}

			var ctxID string
			h := RequestID(tt.header)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/download/abc", http.NoBody)
			if tt.incoming != "" {
				req.Header.Set(header, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			echoed := rec.Header().Get(header)
			if echoed == "" || echoed != ctxID {
				t.Fatalf("echoed %q, context %q", echoed, ctxID)
			}
			if tt.keep && ctxID != tt.incoming {
				t.Fatalf("id = %q, want incoming %q", ctxID, tt.incoming)
			}
			if !tt.keep {
				if ctxID == tt.incoming {
					t.Fatalf("id %q should have been replaced", ctxID)
				}
				if len(ctxID) != 32 || !validRequestID(ctxID) {
					t.Fatalf("generated id %q is not 32 hex chars", ctxID)
				}
			}
		})
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	h := RequestID("")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		id := rec.Header().Get("X-Request-Id")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
