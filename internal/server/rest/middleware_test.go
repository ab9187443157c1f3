package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// generateTestKey creates a fresh 2048-bit RSA key pair for testing.
func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

// signToken creates a signed JWT with the given method, claims and key.
func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    "fimd-test",
		Subject:   "operator",
		Audience:  jwt.ClaimStrings{"fimd"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
}

// wrappedHandler is a trivial handler that records whether it was called.
func wrappedHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func serveWithAuth(h http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddleware_MissingHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	called := false
	h := JWTMiddleware(JWTConfig{PublicKey: pub})(wrappedHandler(&called))

	rec := serveWithAuth(h, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_MalformedHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	called := false
	h := JWTMiddleware(JWTConfig{PublicKey: pub})(wrappedHandler(&called))

	for _, bad := range []string{"Basic abc", "token-without-scheme", "Bearer", "Bearer ", "Bearer a.b.c"} {
		if rec := serveWithAuth(h, bad); rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", bad, rec.Code)
		}
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_ValidToken_PassesClaims(t *testing.T) {
	priv, pub := generateTestKey(t)
	var got *Claims
	h := JWTMiddleware(JWTConfig{PublicKey: pub, Issuer: "fimd-test", Audience: "fimd"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = ClaimsFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	token := signToken(t, jwt.SigningMethodRS256, priv, validClaims())
	rec := serveWithAuth(h, "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if got == nil || got.Subject != "operator" {
		t.Errorf("claims = %+v", got)
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	priv, pub := generateTestKey(t)
	otherPriv, _ := generateTestKey(t)
	h := JWTMiddleware(JWTConfig{PublicKey: pub, Issuer: "fimd-test", Audience: "fimd"})(wrappedHandler(new(bool)))

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIss := validClaims()
	wrongIss.Issuer = "someone-else"
	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"other"}

	tests := map[string]string{
		"expired":         signToken(t, jwt.SigningMethodRS256, priv, expired),
		"wrong issuer":    signToken(t, jwt.SigningMethodRS256, priv, wrongIss),
		"wrong audience":  signToken(t, jwt.SigningMethodRS256, priv, wrongAud),
		"wrong key":       signToken(t, jwt.SigningMethodRS256, otherPriv, validClaims()),
		"HS256 algorithm": signToken(t, jwt.SigningMethodHS256, []byte("secret"), validClaims()),
	}
	for name, token := range tests {
		if rec := serveWithAuth(h, "Bearer "+token); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

func TestLoadRSAPublicKey(t *testing.T) {
	_, pub := generateTestKey(t)
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwt.pub")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	got, err := LoadRSAPublicKey(path)
	if err != nil {
		t.Fatalf("LoadRSAPublicKey: %v", err)
	}
	if !got.Equal(pub) {
		t.Error("loaded key differs from the written key")
	}

	if _, err := ParseRSAPublicKey([]byte("not pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}
