package postgres

import (
	"context"
	"fmt"

	"github.com/dtroode/vaultkeeper-server/internal/model"
)

var _ model.EventStore = (*EventRepository)(nil)

type EventRepository struct {
	db *Connection
}

func NewEventRepository(db *Connection) *EventRepository {
	return &EventRepository{
		db: db,
	}
}

func (r *EventRepository) Record(ctx context.Context, event model.Event) error {
	query := `INSERT INTO events (id, kind, user_id, ip, device_type, occurred_at)
			  VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		event.ID, event.Kind, event.UserID, event.IP, event.DeviceType, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}
