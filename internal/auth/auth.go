// Package auth guards the admin routes with HS256 bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/hlog"
)

var ErrMissingToken = errors.New("missing bearer token")

// IssueToken returns a signed token for subject, valid for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken checks the signature and expiry of token and returns its subject.
func ValidateToken(secret []byte, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	claims := new(jwt.RegisteredClaims)
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("validate token: %w", err)
	}

	return claims.Subject, nil
}

// Bearer rejects requests without a valid token. EventSource clients
// cannot set headers, so the token may also be passed as ?token=.
func Bearer(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			subject, err := ValidateToken(secret, tokenFromRequest(r))
			if err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("Unauthorized Request")
				rw.Header().Set("WWW-Authenticate", `Bearer realm="pulse"`)
				rw.WriteHeader(http.StatusUnauthorized)
				return
			}

			hlog.FromRequest(r).Trace().Str("subject", subject).Msg("Request Authorized")
			next.ServeHTTP(rw, r)
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return r.URL.Query().Get("token")
}
