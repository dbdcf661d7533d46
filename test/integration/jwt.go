package integration

import (
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with the shared portal secret.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer() *tokenIssuer {
	return &tokenIssuer{
		secret:   []byte("integration-identity-secret-9f8e7d6c5b4a"),
		issuer:   "https://portal.test.acadflow.dev",
		audience: "acadflow-test",
	}
}

func (ti *tokenIssuer) claims(c TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mapClaims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   c.SubjectID,
		"email": c.Email,
	}
	if len(c.Roles) > 0 {
		// Stored as []any to match JWT decode behavior.
		roles := make([]any, len(c.Roles))
		for i, r := range c.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}
	maps.Copy(mapClaims, c.Extra)
	return mapClaims
}

func (ti *tokenIssuer) sign(mapClaims jwt.MapClaims) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(ti.secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, now, now.Add(time.Hour)))
}

// GenerateExpiredToken creates a JWT token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

// GenerateForeignToken signs otherwise valid claims with a different secret.
func (ti *tokenIssuer) GenerateForeignToken(c TestClaims) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ti.claims(c, now, now.Add(time.Hour)))
	signed, err := token.SignedString([]byte("not-the-portal-secret"))
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
