package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/vaultkeeper-server/internal/model"
)

var _ model.AttachmentStore = (*AttachmentRepository)(nil)

type AttachmentRepository struct {
	db *Connection
}

func NewAttachmentRepository(db *Connection) *AttachmentRepository {
	return &AttachmentRepository{
		db: db,
	}
}

func (r *AttachmentRepository) Create(ctx context.Context, attachment model.Attachment) (model.Attachment, error) {
	query := `INSERT INTO attachments (id, user_id, file_name, file_size, created_at)
			  VALUES ($1, $2, $3, $4, now())
			  RETURNING id, user_id, file_name, file_size, created_at`

	var saved model.Attachment
	err := r.db.QueryRow(ctx, query,
		attachment.ID, attachment.UserID, attachment.FileName, attachment.FileSize,
	).Scan(&saved.ID, &saved.UserID, &saved.FileName, &saved.FileSize, &saved.CreatedAt)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("failed to create attachment: %w", err)
	}

	return saved, nil
}

func (r *AttachmentRepository) GetByID(ctx context.Context, id uuid.UUID) (model.Attachment, error) {
	var attachment model.Attachment
	query := `SELECT id, user_id, file_name, file_size, created_at FROM attachments WHERE id = $1`

	err := r.db.QueryRow(ctx, query, id).Scan(
		&attachment.ID, &attachment.UserID, &attachment.FileName, &attachment.FileSize, &attachment.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Attachment{}, model.ErrNotFound
		}
		return model.Attachment{}, fmt.Errorf("failed to get attachment: %w", err)
	}

	return attachment, nil
}

func (r *AttachmentRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]model.Attachment, error) {
	query := `SELECT id, user_id, file_name, file_size, created_at FROM attachments WHERE user_id = $1 ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var attachment model.Attachment
		if err := rows.Scan(&attachment.ID, &attachment.UserID, &attachment.FileName, &attachment.FileSize, &attachment.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out = append(out, attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attachments: %w", err)
	}

	return out, nil
}

func (r *AttachmentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM attachments WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}

	return nil
}
