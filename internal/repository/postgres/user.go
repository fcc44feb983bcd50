package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/vaultkeeper-server/internal/model"
)

var _ model.UserStore = (*UserRepository)(nil)

type UserRepository struct {
	db *Connection
}

func NewUserRepository(db *Connection) *UserRepository {
	return &UserRepository{
		db: db,
	}
}

const userColumns = `id, email, name, password_hash, salt, password_iterations, security_stamp,
				  akey, private_key, public_key, kdf_type, kdf_iterations, enabled, premium,
				  verified_at, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.Salt, &user.PasswordIterations,
		&user.SecurityStamp, &user.Key, &user.PrivateKey, &user.PublicKey, &user.KdfType,
		&user.KdfIterations, &user.Enabled, &user.Premium, &user.VerifiedAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	return user, err
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`

	user, err := scanUser(r.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to get user by email: %w", err)
	}

	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to get user by id: %w", err)
	}

	return user, nil
}

func (r *UserRepository) Create(ctx context.Context, user model.User) (model.User, error) {
	query := `INSERT INTO users (id, email, name, password_hash, salt, password_iterations,
				  security_stamp, akey, private_key, public_key, kdf_type, kdf_iterations,
				  enabled, premium, verified_at, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			  RETURNING ` + userColumns

	saved, err := scanUser(r.db.QueryRow(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.Salt, user.PasswordIterations,
		user.SecurityStamp, user.Key, user.PrivateKey, user.PublicKey, user.KdfType,
		user.KdfIterations, user.Enabled, user.Premium, user.VerifiedAt,
		user.CreatedAt, user.UpdatedAt,
	))
	if err != nil {
		return model.User{}, fmt.Errorf("failed to create user: %w", err)
	}

	return saved, nil
}

func (r *UserRepository) Update(ctx context.Context, user model.User) error {
	query := `UPDATE users SET email = $2, name = $3, password_hash = $4, salt = $5,
				  password_iterations = $6, security_stamp = $7, akey = $8, private_key = $9,
				  public_key = $10, kdf_type = $11, kdf_iterations = $12, enabled = $13,
				  premium = $14, verified_at = $15, updated_at = now()
			  WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.Salt, user.PasswordIterations,
		user.SecurityStamp, user.Key, user.PrivateKey, user.PublicKey, user.KdfType,
		user.KdfIterations, user.Enabled, user.Premium, user.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}

	return nil
}
