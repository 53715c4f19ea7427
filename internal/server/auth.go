package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer is the iss claim of management API tokens.
const tokenIssuer = "plughost"

// Claims is the payload of a management API access token.
type Claims struct {
	jwt.RegisteredClaims
	ReadOnly bool `json:"ro,omitempty"`
}

type claimsKey struct{}

// ClaimsFromContext returns the authenticated token claims, or nil when the
// request was not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// IssueToken signs an HS256 access token for subject valid for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration, readOnly bool) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty signing secret")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ReadOnly: readOnly,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates an access token.
func ValidateToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// AuthMiddleware requires a valid bearer token on /api/ routes. The event
// stream may pass the token as ?token= since browsers cannot set headers on
// websocket upgrades. Read-only tokens are limited to safe methods. An empty
// secret disables authentication.
func AuthMiddleware(secret []byte) Middleware {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			var raw string
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				raw = strings.TrimPrefix(h, "Bearer ")
			} else if strings.HasPrefix(r.URL.Path, "/api/v1/ws/") {
				raw = r.URL.Query().Get("token")
			}
			if raw == "" {
				Unauthorized(w, "missing or invalid authorization header", r.URL.Path)
				return
			}

			claims, err := ValidateToken(secret, raw)
			if err != nil {
				Unauthorized(w, "invalid or expired access token", r.URL.Path)
				return
			}
			if claims.ReadOnly && !safeMethod(r.Method) {
				Forbidden(w, "token is read-only", r.URL.Path)
				return
			}

			if info := infoFrom(r.Context()); info != nil {
				info.subject = claims.Subject
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}
