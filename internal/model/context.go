package model

import (
	"context"

	"github.com/google/uuid"
)

// ContextManager moves the authenticated identity through request contexts.
type ContextManager interface {
	SetUserIDToContext(ctx context.Context, userID uuid.UUID) context.Context
	GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool)
	SetDeviceIDToContext(ctx context.Context, deviceID string) context.Context
	GetDeviceIDFromContext(ctx context.Context) (string, bool)
}
