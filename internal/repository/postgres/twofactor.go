package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/vaultkeeper-server/internal/model"
)

var _ model.TwoFactorStore = (*TwoFactorRepository)(nil)

type TwoFactorRepository struct {
	db *Connection
}

func NewTwoFactorRepository(db *Connection) *TwoFactorRepository {
	return &TwoFactorRepository{
		db: db,
	}
}

func (r *TwoFactorRepository) GetByUser(ctx context.Context, userID uuid.UUID) ([]model.TwoFactor, error) {
	query := `SELECT user_id, atype, data FROM twofactors WHERE user_id = $1 ORDER BY atype`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list twofactors: %w", err)
	}
	defer rows.Close()

	var out []model.TwoFactor
	for rows.Next() {
		var tf model.TwoFactor
		if err := rows.Scan(&tf.UserID, &tf.Type, &tf.Data); err != nil {
			return nil, fmt.Errorf("failed to scan twofactor: %w", err)
		}
		out = append(out, tf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate twofactors: %w", err)
	}

	return out, nil
}

func (r *TwoFactorRepository) GetByUserAndType(ctx context.Context, userID uuid.UUID, t model.TwoFactorType) (model.TwoFactor, error) {
	var tf model.TwoFactor
	query := `SELECT user_id, atype, data FROM twofactors WHERE user_id = $1 AND atype = $2`

	err := r.db.QueryRow(ctx, query, userID, t).Scan(&tf.UserID, &tf.Type, &tf.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TwoFactor{}, model.ErrNotFound
		}
		return model.TwoFactor{}, fmt.Errorf("failed to get twofactor: %w", err)
	}

	return tf, nil
}

func (r *TwoFactorRepository) Save(ctx context.Context, tf model.TwoFactor) error {
	query := `INSERT INTO twofactors (user_id, atype, data)
			  VALUES ($1, $2, $3)
			  ON CONFLICT (user_id, atype) DO UPDATE SET data = EXCLUDED.data`

	if _, err := r.db.Exec(ctx, query, tf.UserID, tf.Type, tf.Data); err != nil {
		return fmt.Errorf("failed to save twofactor: %w", err)
	}

	return nil
}

func (r *TwoFactorRepository) DeleteByUserAndType(ctx context.Context, userID uuid.UUID, t model.TwoFactorType) error {
	query := `DELETE FROM twofactors WHERE user_id = $1 AND atype = $2`

	if _, err := r.db.Exec(ctx, query, userID, t); err != nil {
		return fmt.Errorf("failed to delete twofactor: %w", err)
	}

	return nil
}
