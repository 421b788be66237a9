package destinations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyxmakerx/relay/internal/apperror"
)

// DestinationRepository defines the data access contract for destinations.
type DestinationRepository interface {
	Upsert(ctx context.Context, d *Destination) error
	FindActiveByUser(ctx context.Context, userID int64) (*Destination, error)
	Deactivate(ctx context.Context, userID int64) error
}

// destinationRepository implements DestinationRepository with MariaDB queries.
type destinationRepository struct {
	db *sql.DB
}

// NewDestinationRepository creates a new destination repository.
func NewDestinationRepository(db *sql.DB) DestinationRepository {
	return &destinationRepository{db: db}
}

// Upsert replaces the user's destination (one row per user).
func (r *destinationRepository) Upsert(ctx context.Context, d *Destination) error {
	d.ConfiguredAt = time.Now().UTC()
	d.IsActive = true
	query := `INSERT INTO destinations
		(user_id, channel_id, channel_handle, channel_title, is_active, configured_at)
		VALUES (?, ?, ?, ?, TRUE, ?)
		ON DUPLICATE KEY UPDATE
		  channel_id = VALUES(channel_id),
		  channel_handle = VALUES(channel_handle),
		  channel_title = VALUES(channel_title),
		  is_active = TRUE,
		  configured_at = VALUES(configured_at)`

	if _, err := r.db.ExecContext(ctx, query,
		d.UserID, d.ChannelID, d.ChannelHandle, d.ChannelTitle, d.ConfiguredAt,
	); err != nil {
		return fmt.Errorf("upserting destination: %w", err)
	}
	return nil
}

// FindActiveByUser returns the user's active destination.
func (r *destinationRepository) FindActiveByUser(ctx context.Context, userID int64) (*Destination, error) {
	query := `SELECT id, user_id, channel_id, channel_handle, channel_title, is_active, configured_at
	          FROM destinations WHERE user_id = ? AND is_active = TRUE`

	d := &Destination{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&d.ID, &d.UserID, &d.ChannelID, &d.ChannelHandle, &d.ChannelTitle,
		&d.IsActive, &d.ConfiguredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("no destination configured")
	}
	if err != nil {
		return nil, fmt.Errorf("querying destination: %w", err)
	}
	return d, nil
}

// Deactivate returns the user to DM mode.
func (r *destinationRepository) Deactivate(ctx context.Context, userID int64) error {
	query := `UPDATE destinations SET is_active = FALSE WHERE user_id = ?`

	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("deactivating destination: %w", err)
	}
	return nil
}
