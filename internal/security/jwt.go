// Package security covers edge authentication: JWT verification for
// connecting clients and the shared-secret capability check for operator
// registration.
package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arqonbus/arqonbus/internal/config"
)

// Token errors surfaced to the HTTP upgrade handler. All of them map to a
// 401 close before the WebSocket handshake completes.
var (
	ErrNoToken      = errors.New("no bearer token presented")
	ErrInvalidToken = errors.New("token rejected")
)

// Claims is the JWT claim set ArqonBus understands. Subject doubles as the
// requested client id.
type Claims struct {
	Role     string `json:"role,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports the admin role.
func (c *Claims) IsAdmin() bool { return c.Role == "admin" }

// Authenticator verifies HS256 bearer tokens at the connection edge.
type Authenticator struct {
	secret []byte
	leeway time.Duration
}

// NewAuthenticator builds the verifier from the security profile.
func NewAuthenticator(cfg config.SecurityConfig) *Authenticator {
	return &Authenticator{
		secret: []byte(cfg.AuthSecret),
		leeway: cfg.AuthLeeway,
	}
}

// Verify parses and validates a compact JWT, returning its claims.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithLeeway(a.leeway),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// FromRequest extracts the bearer token from the Authorization header, or
// the token query parameter for browser WebSocket clients that cannot set
// headers.
func FromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}
	return r.URL.Query().Get("token")
}

// Authorize runs the full edge check for an upgrade request.
func (a *Authenticator) Authorize(r *http.Request) (*Claims, error) {
	return a.Verify(FromRequest(r))
}

// Issue signs a token for the given subject. Used by the CLI token command
// and the test suites; the broker itself never issues tokens.
func Issue(secret, subject, role, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:     role,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
