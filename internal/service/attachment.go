package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/vaultkeeper-server/internal/logger"
	"github.com/dtroode/vaultkeeper-server/internal/model"
)

// Attachment stores vault attachments: metadata in the database, the blob
// in object storage under the attachment ID.
type Attachment struct {
	store   model.AttachmentStore
	storage model.Storage
	logger  *logger.Logger
}

func NewAttachment(store model.AttachmentStore, storage model.Storage, logger *logger.Logger) *Attachment {
	return &Attachment{store: store, storage: storage, logger: logger}
}

func (a *Attachment) Upload(ctx context.Context, userID uuid.UUID, fileName string, size int64, r io.Reader) (model.Attachment, error) {
	attachment := model.Attachment{
		ID:        uuid.New(),
		UserID:    userID,
		FileName:  fileName,
		FileSize:  size,
		CreatedAt: time.Now(),
	}

	if err := a.storage.Upload(ctx, attachment.ID.String(), r, size); err != nil {
		return model.Attachment{}, fmt.Errorf("failed to upload attachment: %w", err)
	}

	created, err := a.store.Create(ctx, attachment)
	if err != nil {
		// Best effort cleanup of the orphaned blob.
		if derr := a.storage.Delete(ctx, attachment.ID.String()); derr != nil {
			a.logger.Error("Attachment service: failed to delete orphaned blob",
				"attachment_id", attachment.ID,
				"error", derr.Error())
		}
		return model.Attachment{}, fmt.Errorf("failed to create attachment: %w", err)
	}

	return created, nil
}

func (a *Attachment) Download(ctx context.Context, userID, id uuid.UUID) (model.Attachment, io.ReadCloser, error) {
	attachment, err := a.get(ctx, userID, id)
	if err != nil {
		return model.Attachment{}, nil, err
	}

	rc, err := a.storage.Download(ctx, attachment.ID.String())
	if err != nil {
		return model.Attachment{}, nil, fmt.Errorf("failed to download attachment: %w", err)
	}

	return attachment, rc, nil
}

func (a *Attachment) List(ctx context.Context, userID uuid.UUID) ([]model.Attachment, error) {
	attachments, err := a.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return attachments, nil
}

func (a *Attachment) Delete(ctx context.Context, userID, id uuid.UUID) error {
	attachment, err := a.get(ctx, userID, id)
	if err != nil {
		return err
	}

	if err := a.storage.Delete(ctx, attachment.ID.String()); err != nil {
		return fmt.Errorf("failed to delete attachment blob: %w", err)
	}
	if err := a.store.Delete(ctx, attachment.ID); err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

// get loads the attachment and hides other users' attachments behind
// ErrNotFound.
func (a *Attachment) get(ctx context.Context, userID, id uuid.UUID) (model.Attachment, error) {
	attachment, err := a.store.GetByID(ctx, id)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("failed to get attachment: %w", err)
	}
	if attachment.UserID != userID {
		return model.Attachment{}, model.ErrNotFound
	}
	return attachment, nil
}
