package rest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func newAuthRouter(t *testing.T) (http.Handler, string) {
	t.Helper()
	priv, pub := generateTestKey(t)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "fimd_watches 0\n")
	})
	srv := NewServer(&mockStore{events: sampleEvents()}, &mockController{}, nil, metrics)
	h := NewRouter(srv, RouterConfig{
		JWT:            JWTConfig{PublicKey: pub},
		AllowedOrigins: []string{"https://console.example.com"},
	})
	return h, "Bearer " + signToken(t, jwt.SigningMethodRS256, priv, validClaims())
}

// TestRouter_PublicRoutesNoAuth verifies /healthz and /metrics are reachable
// without a JWT.
func TestRouter_PublicRoutesNoAuth(t *testing.T) {
	h, _ := newAuthRouter(t)
	for _, route := range []string{"/healthz", "/metrics"} {
		if rec := do(h, http.MethodGet, route, ""); rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", route, rec.Code)
		}
	}
}

// TestRouter_APIRoutesRequireJWT verifies that all /api/v1/* routes return 401
// when no Authorization header is present.
func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	h, _ := newAuthRouter(t)
	routes := []struct{ method, target string }{
		{http.MethodGet, "/api/v1/state"},
		{http.MethodPost, "/api/v1/roots"},
		{http.MethodDelete, "/api/v1/roots?path=/data"},
		{http.MethodPost, "/api/v1/start"},
		{http.MethodPost, "/api/v1/stop"},
		{http.MethodGet, "/api/v1/events"},
		{http.MethodGet, "/api/v1/events/1"},
		{http.MethodGet, "/api/v1/events/1/diff"},
	}
	for _, rt := range routes {
		if rec := do(h, rt.method, rt.target, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 without JWT, got %d", rt.method, rt.target, rec.Code)
		}
	}
}

// TestRouter_APIRoutesAccessibleWithJWT verifies that a valid JWT reaches the
// handlers.
func TestRouter_APIRoutesAccessibleWithJWT(t *testing.T) {
	h, bearer := newAuthRouter(t)

	for _, target := range []string{"/api/v1/state", "/api/v1/events", "/api/v1/events/1"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Authorization", bearer)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200 with valid JWT, got %d; body: %s", target, rec.Code, rec.Body)
		}
	}
}

// TestRouter_CORSPreflight verifies allowed origins receive CORS headers.
func TestRouter_CORSPreflight(t *testing.T) {
	h, _ := newAuthRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); strings.Contains(got, "evil") {
		t.Errorf("disallowed origin echoed: %q", got)
	}
}

func TestRouter_MetricsOmittedWithoutHandler(t *testing.T) {
	h := newTestServer(&mockStore{}, &mockController{})
	if rec := do(h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
