package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cloudbox/pulse/internal/auth"
)

var errNoJWTSecret = errors.New("authentication.jwt-secret is not configured")

// issueAdminToken signs a bearer token for the admin routes with the
// configured secret.
func issueAdminToken(cfg config, subject string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errNoJWTSecret
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %s", ttl)
	}

	token, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), subject, ttl)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
