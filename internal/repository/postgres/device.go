package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/vaultkeeper-server/internal/model"
)

var _ model.DeviceStore = (*DeviceRepository)(nil)

type DeviceRepository struct {
	db *Connection
}

func NewDeviceRepository(db *Connection) *DeviceRepository {
	return &DeviceRepository{
		db: db,
	}
}

const deviceColumns = `id, user_id, name, atype, push_token, refresh_token, twofactor_remember, created_at, updated_at`

func scanDevice(row pgx.Row) (model.Device, error) {
	var device model.Device
	err := row.Scan(
		&device.ID, &device.UserID, &device.Name, &device.Type, &device.PushToken,
		&device.RefreshToken, &device.TwoFactorRemember, &device.CreatedAt, &device.UpdatedAt,
	)
	return device, err
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string, userID uuid.UUID) (model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1 AND user_id = $2`

	device, err := scanDevice(r.db.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Device{}, model.ErrNotFound
		}
		return model.Device{}, fmt.Errorf("failed to get device by id: %w", err)
	}

	return device, nil
}

func (r *DeviceRepository) GetByRefreshToken(ctx context.Context, refreshToken string) (model.Device, error) {
	if refreshToken == "" {
		return model.Device{}, model.ErrNotFound
	}
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE refresh_token = $1`

	device, err := scanDevice(r.db.QueryRow(ctx, query, refreshToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Device{}, model.ErrNotFound
		}
		return model.Device{}, fmt.Errorf("failed to get device by refresh token: %w", err)
	}

	return device, nil
}

func (r *DeviceRepository) Save(ctx context.Context, device model.Device) (model.Device, error) {
	query := `INSERT INTO devices (id, user_id, name, atype, push_token, refresh_token, twofactor_remember, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			  ON CONFLICT (id, user_id) DO UPDATE
			  SET name = EXCLUDED.name, atype = EXCLUDED.atype, push_token = EXCLUDED.push_token,
				  refresh_token = EXCLUDED.refresh_token, twofactor_remember = EXCLUDED.twofactor_remember,
				  updated_at = now()
			  RETURNING ` + deviceColumns

	saved, err := scanDevice(r.db.QueryRow(ctx, query,
		device.ID, device.UserID, device.Name, device.Type, device.PushToken,
		device.RefreshToken, device.TwoFactorRemember,
	))
	if err != nil {
		return model.Device{}, fmt.Errorf("failed to save device: %w", err)
	}

	return saved, nil
}

func (r *DeviceRepository) Delete(ctx context.Context, id string, userID uuid.UUID) error {
	query := `DELETE FROM devices WHERE id = $1 AND user_id = $2`

	tag, err := r.db.Exec(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}

	return nil
}
