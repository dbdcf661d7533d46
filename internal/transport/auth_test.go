package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/acadflow/internal/config"
	"github.com/pitabwire/acadflow/model"
)

var testSecret = []byte("test-identity-secret-0123456789abcdef")

func signJWT(t *testing.T, key any, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing JWT: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://portal.example.edu",
		Audience:   "acadflow",
		SecretEnv:  "ACADFLOW_IDENTITY_SECRET",
		Algorithms: []string{"HS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "roles",
		},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "stu-1",
		"email": "stu-1@example.edu",
		"roles": []string{"student"},
		"iss":   "https://portal.example.edu",
		"aud":   "acadflow",
		"exp":   jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

// authResult runs a request carrying header through the authenticator and
// returns the recorder and whether the wrapped handler ran.
func authResult(t *testing.T, header string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	handler := JWTAuthenticator(testIdentityCfg(), testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))
	req := httptest.NewRequest("GET", "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, called
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp.Error.Message
}

func TestJWTAuthenticator_validToken(t *testing.T) {
	handler := JWTAuthenticator(testIdentityCfg(), testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if claims == nil {
			t.Fatal("claims should be in context")
		}
		if sub, _ := claims["sub"].(string); sub != "stu-1" {
			t.Errorf("sub = %q, want stu-1", sub)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, validClaims()))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestJWTAuthenticator_missingAuthHeader(t *testing.T) {
	w, called := authResult(t, "")
	if called {
		t.Error("handler should not be called")
	}
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestJWTAuthenticator_invalidFormat(t *testing.T) {
	w, called := authResult(t, "Basic dXNlcjpwYXNz")
	if called {
		t.Error("handler should not be called")
	}
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	expired := validClaims()
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.example.com"

	wrongAudience := validClaims()
	wrongAudience["aud"] = "other-service"

	noExp := validClaims()
	delete(noExp, "exp")

	tests := []struct {
		name    string
		token   string
		message string
	}{
		{"expired", signJWT(t, testSecret, jwt.SigningMethodHS256, expired), "Token expired"},
		{"wrong issuer", signJWT(t, testSecret, jwt.SigningMethodHS256, wrongIssuer), "Invalid token issuer"},
		{"wrong audience", signJWT(t, testSecret, jwt.SigningMethodHS256, wrongAudience), "Invalid token audience"},
		{"missing exp", signJWT(t, testSecret, jwt.SigningMethodHS256, noExp), "Token is missing a required claim"},
		{"wrong secret", signJWT(t, []byte("another-secret"), jwt.SigningMethodHS256, validClaims()), "Invalid token signature"},
		{"disallowed RS256", signJWT(t, rsaKey, jwt.SigningMethodRS256, validClaims()), "Disallowed signing algorithm"},
		{"disallowed none", signJWT(t, jwt.UnsafeAllowNoneSignatureType, jwt.SigningMethodNone, validClaims()), "Disallowed signing algorithm"},
		{"garbage", "not.a.jwt", "Invalid token"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, called := authResult(t, "Bearer "+tc.token)
			if called {
				t.Error("handler should not be called")
			}
			if w.Code != 401 {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if got := errorMessage(t, w); got != tc.message {
				t.Errorf("message = %q, want %q", got, tc.message)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	// Expired 15 seconds ago, inside the default 30s leeway.
	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))

	w, called := authResult(t, "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, claims))
	if !called || w.Code != 200 {
		t.Errorf("status = %d, want 200 (token within clock skew tolerance)", w.Code)
	}
}

// --- extractClaim tests ---

func TestExtractClaim_dotNotation(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{
			"roles": []any{"advisor", "staff"},
		},
		"sub":   "user-1",
		"scope": "student staff",
	}

	if v := extractClaimString(claims, "sub"); v != "user-1" {
		t.Errorf("sub = %q, want user-1", v)
	}

	roles := extractClaimStringSlice(claims, "realm_access.roles")
	if len(roles) != 2 || roles[0] != "advisor" {
		t.Errorf("realm_access.roles = %v, want [advisor staff]", roles)
	}

	spaced := extractClaimStringSlice(claims, "scope")
	if len(spaced) != 2 || spaced[1] != "staff" {
		t.Errorf("scope = %v, want [student staff]", spaced)
	}

	if v := extractClaimString(claims, "nonexistent.path"); v != "" {
		t.Errorf("nonexistent.path = %q, want empty", v)
	}
	if v := extractClaimString(claims, "sub.deeper"); v != "" {
		t.Errorf("sub.deeper = %q, want empty", v)
	}
	if v := extractClaimString(nil, "sub"); v != "" {
		t.Errorf("nil claims = %q, want empty", v)
	}
}
