package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dtroode/vaultkeeper-server/internal/model"
)

var _ model.DuoContextStore = (*DuoContextRepository)(nil)

type DuoContextRepository struct {
	db *Connection
}

func NewDuoContextRepository(db *Connection) *DuoContextRepository {
	return &DuoContextRepository{
		db: db,
	}
}

func (r *DuoContextRepository) Create(ctx context.Context, dc model.DuoContext) error {
	// State collisions keep the first writer; the flow that lost simply
	// fails its callback instead of hijacking someone else's.
	query := `INSERT INTO duo_contexts (state, user_email, nonce, expires_at, created_at)
			  VALUES ($1, $2, $3, $4, now())
			  ON CONFLICT (state) DO NOTHING`

	if _, err := r.db.Exec(ctx, query, dc.State, dc.UserEmail, dc.Nonce, dc.ExpiresAt); err != nil {
		return fmt.Errorf("failed to create duo context: %w", err)
	}

	return nil
}

func (r *DuoContextRepository) Consume(ctx context.Context, state string) (model.DuoContext, error) {
	var dc model.DuoContext
	// Delete and return in one statement so a state can be redeemed once.
	query := `DELETE FROM duo_contexts WHERE state = $1
			  RETURNING state, user_email, nonce, expires_at, created_at`

	err := r.db.QueryRow(ctx, query, state).Scan(
		&dc.State, &dc.UserEmail, &dc.Nonce, &dc.ExpiresAt, &dc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DuoContext{}, model.ErrNotFound
		}
		return model.DuoContext{}, fmt.Errorf("failed to consume duo context: %w", err)
	}

	return dc, nil
}

func (r *DuoContextRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM duo_contexts WHERE expires_at < now()`

	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired duo contexts: %w", err)
	}

	return tag.RowsAffected(), nil
}
