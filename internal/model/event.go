package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventStore records auth events for auditing.
type EventStore interface {
	Record(ctx context.Context, event Event) error
}

// EventKind enumerates recorded auth events.
type EventKind int

const (
	EventLoginSuccess EventKind = iota
	EventLoginFailed
	EventTwoFactorSuccess
	EventTwoFactorFailed
	EventSsoLogin
)

// Event is a single auth event.
type Event struct {
	ID         uuid.UUID
	Kind       EventKind
	UserID     uuid.UUID
	IP         string
	DeviceType int
	OccurredAt time.Time
}
