package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeviceStore defines persistence operations for client devices.
type DeviceStore interface {
	GetByID(ctx context.Context, id string, userID uuid.UUID) (Device, error)
	GetByRefreshToken(ctx context.Context, refreshToken string) (Device, error)
	Save(ctx context.Context, device Device) (Device, error)
	Delete(ctx context.Context, id string, userID uuid.UUID) error
}

// Device represents a client installation known to the server. The ID is
// chosen by the client, so devices are keyed by (ID, UserID).
type Device struct {
	ID                string
	UserID            uuid.UUID
	Name              string
	Type              int
	PushToken         *string
	RefreshToken      string
	TwoFactorRemember *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsNew reports whether the device has never completed a login.
func (d Device) IsNew() bool {
	return d.RefreshToken == ""
}
