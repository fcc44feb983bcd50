package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dtroode/vaultkeeper-server/internal/model"
)

var _ model.SsoAuthStore = (*SsoAuthRepository)(nil)

type SsoAuthRepository struct {
	db *Connection
}

func NewSsoAuthRepository(db *Connection) *SsoAuthRepository {
	return &SsoAuthRepository{
		db: db,
	}
}

const ssoAuthColumns = `state, nonce, client_challenge, redirect_uri, code, auth_response, created_at, expires_at`

func scanSsoAuth(row pgx.Row) (model.SsoAuth, error) {
	var auth model.SsoAuth
	err := row.Scan(
		&auth.State, &auth.Nonce, &auth.ClientChallenge, &auth.RedirectURI,
		&auth.Code, &auth.AuthResponse, &auth.CreatedAt, &auth.ExpiresAt,
	)
	return auth, err
}

func (r *SsoAuthRepository) Create(ctx context.Context, auth model.SsoAuth) error {
	query := `INSERT INTO sso_auths (state, nonce, client_challenge, redirect_uri, code, auth_response, created_at, expires_at)
			  VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
			  ON CONFLICT (state) DO NOTHING`

	_, err := r.db.Exec(ctx, query,
		auth.State, auth.Nonce, auth.ClientChallenge, auth.RedirectURI,
		auth.Code, auth.AuthResponse, auth.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sso auth: %w", err)
	}

	return nil
}

func (r *SsoAuthRepository) GetByState(ctx context.Context, state string) (model.SsoAuth, error) {
	query := `SELECT ` + ssoAuthColumns + ` FROM sso_auths WHERE state = $1`

	auth, err := scanSsoAuth(r.db.QueryRow(ctx, query, state))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SsoAuth{}, model.ErrNotFound
		}
		return model.SsoAuth{}, fmt.Errorf("failed to get sso auth: %w", err)
	}

	return auth, nil
}

func (r *SsoAuthRepository) Update(ctx context.Context, auth model.SsoAuth) error {
	query := `UPDATE sso_auths SET code = $2, auth_response = $3 WHERE state = $1`

	tag, err := r.db.Exec(ctx, query, auth.State, auth.Code, auth.AuthResponse)
	if err != nil {
		return fmt.Errorf("failed to update sso auth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}

	return nil
}

func (r *SsoAuthRepository) Delete(ctx context.Context, state string) error {
	query := `DELETE FROM sso_auths WHERE state = $1`

	if _, err := r.db.Exec(ctx, query, state); err != nil {
		return fmt.Errorf("failed to delete sso auth: %w", err)
	}

	return nil
}

func (r *SsoAuthRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM sso_auths WHERE expires_at < now()`

	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sso auths: %w", err)
	}

	return tag.RowsAffected(), nil
}
