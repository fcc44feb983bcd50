package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/vaultkeeper-server/internal/model"
)

var _ model.OtpStore = (*OtpRepository)(nil)

type OtpRepository struct {
	db *Connection
}

func NewOtpRepository(db *Connection) *OtpRepository {
	return &OtpRepository{
		db: db,
	}
}

func (r *OtpRepository) Get(ctx context.Context, userID uuid.UUID, purpose model.OtpPurpose) (model.OtpRecord, error) {
	var record model.OtpRecord
	query := `SELECT user_id, purpose, token, email, issued_at, attempts
			  FROM otp_records WHERE user_id = $1 AND purpose = $2`

	err := r.db.QueryRow(ctx, query, userID, purpose).Scan(
		&record.UserID, &record.Purpose, &record.Token, &record.Email, &record.IssuedAt, &record.Attempts,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OtpRecord{}, model.ErrNotFound
		}
		return model.OtpRecord{}, fmt.Errorf("failed to get otp record: %w", err)
	}

	return record, nil
}

func (r *OtpRepository) Save(ctx context.Context, record model.OtpRecord) error {
	query := `INSERT INTO otp_records (user_id, purpose, token, email, issued_at, attempts)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  ON CONFLICT (user_id, purpose) DO UPDATE
			  SET token = EXCLUDED.token, email = EXCLUDED.email,
				  issued_at = EXCLUDED.issued_at, attempts = EXCLUDED.attempts`

	_, err := r.db.Exec(ctx, query,
		record.UserID, record.Purpose, record.Token, record.Email, record.IssuedAt, record.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to save otp record: %w", err)
	}

	return nil
}

func (r *OtpRepository) Delete(ctx context.Context, userID uuid.UUID, purpose model.OtpPurpose) error {
	query := `DELETE FROM otp_records WHERE user_id = $1 AND purpose = $2`

	if _, err := r.db.Exec(ctx, query, userID, purpose); err != nil {
		return fmt.Errorf("failed to delete otp record: %w", err)
	}

	return nil
}
