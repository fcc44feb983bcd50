package model

import (
	"context"
	"time"
)

// SsoAuthStore defines persistence operations for in-flight OpenID Connect
// logins, keyed by the OAuth state parameter.
type SsoAuthStore interface {
	Create(ctx context.Context, auth SsoAuth) error
	GetByState(ctx context.Context, state string) (SsoAuth, error)
	Update(ctx context.Context, auth SsoAuth) error
	Delete(ctx context.Context, state string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// SsoAuth tracks a single SSO login from the authorize redirect until the
// resulting tokens are redeemed. AuthResponse caches the raw token endpoint
// response so repeated exchanges for the same state need no provider call.
type SsoAuth struct {
	State           string
	Nonce           string
	ClientChallenge string
	RedirectURI     string
	Code            *string
	AuthResponse    []byte
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the login may no longer be completed.
func (s SsoAuth) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
