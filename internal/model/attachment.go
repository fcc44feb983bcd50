package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AttachmentStore defines persistence operations for attachment metadata.
// The blob itself lives in object storage under the attachment ID.
type AttachmentStore interface {
	Create(ctx context.Context, attachment Attachment) (Attachment, error)
	GetByID(ctx context.Context, id uuid.UUID) (Attachment, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]Attachment, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Attachment describes a file a user stored alongside their vault.
type Attachment struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	FileName  string
	FileSize  int64
	CreatedAt time.Time
}
