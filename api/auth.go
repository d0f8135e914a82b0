package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// REVIEWER AUTH - HS256 bearer tokens on /api/validador
// =============================================================================

var ErrMissingToken = errors.New("missing bearer token")

// ReviewerClaims identifies the reviewer acting on cases. Subject is the
// reviewer's login; it becomes the actor of every audit event.
type ReviewerClaims struct {
	Nombre string   `json:"nombre,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type reviewerKey struct{}

// Authenticator validates reviewer tokens. With skip set every request is
// accepted as the "sistema" actor (local development).
type Authenticator struct {
	secret []byte
	skip   bool
}

func NewAuthenticator(secret string, skip bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), skip: skip}
}

// IssueToken signs a token for subject valid for ttl.
func (a *Authenticator) IssueToken(subject, nombre string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ReviewerClaims{
		Nombre: nombre,
		Roles:  []string{"validador"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses and verifies a token string.
func (a *Authenticator) Validate(tokenString string) (*ReviewerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ReviewerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*ReviewerClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skip {
			claims := &ReviewerClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "sistema"}}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reviewerKey{}, claims)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Authorization required", ErrMissingToken)
			return
		}
		claims, err := a.Validate(strings.TrimSpace(authHeader[7:]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reviewerKey{}, claims)))
	})
}

// ReviewerFromContext returns the authenticated reviewer, if any.
func ReviewerFromContext(ctx context.Context) (*ReviewerClaims, bool) {
	claims, ok := ctx.Value(reviewerKey{}).(*ReviewerClaims)
	return claims, ok
}

// actorFrom names who performs an operation: the reviewer's subject on
// reviewer routes, the fallback otherwise.
func actorFrom(r *http.Request, fallback string) string {
	if claims, ok := ReviewerFromContext(r.Context()); ok && claims.Subject != "" {
		return claims.Subject
	}
	return fallback
}
