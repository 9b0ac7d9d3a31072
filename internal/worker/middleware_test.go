package worker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rr.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", rr.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_CORS(t *testing.T) {
	tests := []struct {
		name       string
		origin     string
		expectCORS bool
	}{
		{"dashboard port allowed", "http://localhost:37790", true},
		{"vite dev server allowed", "http://127.0.0.1:5173", true},
		{"lookalike host rejected", "http://evil-localhost.com", false},
		{"https variant rejected", "https://localhost:37790", false},
		{"no origin", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			SecurityHeaders(okHandler()).ServeHTTP(rr, req)

			got := rr.Header().Get("Access-Control-Allow-Origin")
			if tt.expectCORS {
				assert.Equal(t, tt.origin, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestSecurityHeaders_Preflight(t *testing.T) {
	called := false
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodOptions, "/api/scenarios", nil)
	req.Header.Set("Origin", "http://localhost:37790")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, called)
}

func TestMaxBodySize(t *testing.T) {
	h := MaxBodySize(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 100)
		if _, err := r.Body.Read(buf); err != nil && err.Error() != "EOF" {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 50))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "client-123", seen)
	assert.Equal(t, "client-123", rr.Header().Get("X-Request-ID"))

	assert.Empty(t, GetRequestID(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}

func TestRequireJSONContentType(t *testing.T) {
	tests := []struct {
		method      string
		contentType string
		want        int
	}{
		{http.MethodPost, "application/json", http.StatusOK},
		{http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{http.MethodPost, "", http.StatusOK},
		{http.MethodPost, "text/plain", http.StatusUnsupportedMediaType},
		{http.MethodPut, "application/xml", http.StatusUnsupportedMediaType},
		{http.MethodGet, "text/plain", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/", nil)
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		rr := httptest.NewRecorder()
		RequireJSONContentType(okHandler()).ServeHTTP(rr, req)
		assert.Equal(t, tt.want, rr.Code, "%s %q", tt.method, tt.contentType)
	}
}

func TestBulkOperationLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bol := NewBulkOperationLimiter(10 * time.Second)
	bol.now = func() time.Time { return now }

	assert.Zero(t, bol.CooldownRemaining())
	assert.True(t, bol.CanExecute())
	assert.False(t, bol.CanExecute())
	assert.Equal(t, 10*time.Second, bol.CooldownRemaining())

	now = now.Add(4 * time.Second)
	assert.False(t, bol.CanExecute())
	assert.Equal(t, 6*time.Second, bol.CooldownRemaining())

	now = now.Add(6 * time.Second)
	assert.True(t, bol.CanExecute())
}
