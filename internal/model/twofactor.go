package model

import (
	"context"

	"github.com/google/uuid"
)

// TwoFactorStore defines persistence operations for second factor
// enrollments. Each user has at most one record per type.
type TwoFactorStore interface {
	GetByUser(ctx context.Context, userID uuid.UUID) ([]TwoFactor, error)
	GetByUserAndType(ctx context.Context, userID uuid.UUID, t TwoFactorType) (TwoFactor, error)
	Save(ctx context.Context, tf TwoFactor) error
	DeleteByUserAndType(ctx context.Context, userID uuid.UUID, t TwoFactorType) error
}

// TwoFactorType enumerates supported second factor providers. The numeric
// values are part of the client protocol and must not change.
type TwoFactorType int

const (
	// TwoFactorAuthenticator is a TOTP authenticator app.
	TwoFactorAuthenticator TwoFactorType = 0
	// TwoFactorEmail sends one-time codes by mail.
	TwoFactorEmail TwoFactorType = 1
	// TwoFactorDuo delegates the second factor to Duo Security.
	TwoFactorDuo TwoFactorType = 2
	// TwoFactorRemember is a device-bound token skipping the prompt.
	TwoFactorRemember TwoFactorType = 5
)

// TwoFactor is a provider enrollment. Data holds provider specific state,
// such as the TOTP secret or the destination email address.
type TwoFactor struct {
	UserID uuid.UUID
	Type   TwoFactorType
	Data   string
}
