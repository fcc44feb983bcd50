package model

import (
	"context"
	"time"
)

// DuoContextStore defines persistence operations for in-flight Duo
// authorization flows, keyed by the OAuth state parameter.
type DuoContextStore interface {
	Create(ctx context.Context, dc DuoContext) error
	// Consume atomically removes and returns the context for the given
	// state. A second call for the same state returns ErrNotFound.
	Consume(ctx context.Context, state string) (DuoContext, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// DuoContext carries what the callback handler needs to finish a Duo login.
type DuoContext struct {
	State     string
	UserEmail string
	Nonce     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the flow may no longer be completed.
func (d DuoContext) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}
