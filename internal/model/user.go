package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserStore defines persistence operations for users.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id uuid.UUID) (User, error)
	Create(ctx context.Context, user User) (User, error)
	Update(ctx context.Context, user User) error
}

// User represents a stored user with authentication material.
type User struct {
	ID                 uuid.UUID
	Email              string
	Name               string
	PasswordHash       []byte
	Salt               []byte
	PasswordIterations int
	SecurityStamp      string
	Key                string
	PrivateKey         string
	PublicKey          string
	KdfType            int
	KdfIterations      int
	Enabled            bool
	Premium            bool
	VerifiedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EmailVerified reports whether the account's email was confirmed.
func (u User) EmailVerified() bool {
	return u.VerifiedAt != nil
}

// ResetSecurityStamp makes every previously issued access token invalid.
func (u *User) ResetSecurityStamp() {
	u.SecurityStamp = uuid.NewString()
}
