package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     string
		origin      string
		wantAllow   string
		wantCreds   bool
		wantHandler bool
	}{
		{"dev allows any origin", "", "http://localhost:5173", "http://localhost:5173", false, true},
		{"matching origin", "https://app.example.com", "https://app.example.com", "https://app.example.com", true, true},
		{"mismatched origin", "https://app.example.com", "https://evil.example.com", "", false, true},
		{"no origin header", "https://app.example.com", "", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/messages/r1", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			creds := rec.Header().Get("Access-Control-Allow-Credentials") == "true"
			if creds != tt.wantCreds {
				t.Errorf("Allow-Credentials = %v, want %v", creds, tt.wantCreds)
			}
			if tt.wantHandler && rec.Code != http.StatusTeapot {
				t.Errorf("next handler not reached, status %d", rec.Code)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodOptions, "/api/messages/r1", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	CORS("")(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", rec.Code)
	}
	if called {
		t.Error("preflight must not reach the next handler")
	}
}
