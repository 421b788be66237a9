package sources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyxmakerx/relay/internal/apperror"
)

// SourceRepository defines the data access contract for sources.
type SourceRepository interface {
	Create(ctx context.Context, s *Source) error
	FindByChannel(ctx context.Context, userID, channelID int64) (*Source, error)
	ListActiveByUser(ctx context.Context, userID int64) ([]Source, error)
	CountActiveByUser(ctx context.Context, userID int64) (int, error)
	SetActive(ctx context.Context, id int64, active bool) error
	AdvanceHighWater(ctx context.Context, id int64, messageID int64) error
	UsersWithActiveSources(ctx context.Context) ([]int64, error)
}

// sourceRepository implements SourceRepository with MariaDB queries.
type sourceRepository struct {
	db *sql.DB
}

// NewSourceRepository creates a new source repository.
func NewSourceRepository(db *sql.DB) SourceRepository {
	return &sourceRepository{db: db}
}

// Create inserts a new source and fills its generated id.
func (r *sourceRepository) Create(ctx context.Context, s *Source) error {
	query := `INSERT INTO sources
		(user_id, channel_id, channel_handle, channel_title, is_active, last_message_id, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	s.AddedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, query,
		s.UserID, s.ChannelID, s.ChannelHandle, s.ChannelTitle,
		s.IsActive, s.LastMessageID, s.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading source id: %w", err)
	}
	s.ID = id
	return nil
}

// FindByChannel retrieves a source (active or not) by its owner and wire id.
func (r *sourceRepository) FindByChannel(ctx context.Context, userID, channelID int64) (*Source, error) {
	query := `SELECT id, user_id, channel_id, channel_handle, channel_title,
	                 is_active, last_message_id, added_at, last_checked_at
	          FROM sources WHERE user_id = ? AND channel_id = ?`

	s := &Source{}
	err := r.db.QueryRowContext(ctx, query, userID, channelID).Scan(
		&s.ID, &s.UserID, &s.ChannelID, &s.ChannelHandle, &s.ChannelTitle,
		&s.IsActive, &s.LastMessageID, &s.AddedAt, &s.LastCheckedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("source not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying source: %w", err)
	}
	return s, nil
}

// ListActiveByUser returns the user's active sources, oldest first.
func (r *sourceRepository) ListActiveByUser(ctx context.Context, userID int64) ([]Source, error) {
	query := `SELECT id, user_id, channel_id, channel_handle, channel_title,
	                 is_active, last_message_id, added_at, last_checked_at
	          FROM sources
	          WHERE user_id = ? AND is_active = TRUE
	          ORDER BY added_at`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.ChannelID, &s.ChannelHandle, &s.ChannelTitle,
			&s.IsActive, &s.LastMessageID, &s.AddedAt, &s.LastCheckedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountActiveByUser returns how many active sources the user has.
func (r *sourceRepository) CountActiveByUser(ctx context.Context, userID int64) (int, error) {
	query := `SELECT COUNT(*) FROM sources WHERE user_id = ? AND is_active = TRUE`

	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting sources: %w", err)
	}
	return count, nil
}

// SetActive flips the active flag.
func (r *sourceRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE sources SET is_active = ? WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, active, id); err != nil {
		return fmt.Errorf("updating source active flag: %w", err)
	}
	return nil
}

// AdvanceHighWater raises the high-water mark, never lowering it. The
// GREATEST guard keeps concurrent out-of-order completions monotonic.
func (r *sourceRepository) AdvanceHighWater(ctx context.Context, id int64, messageID int64) error {
	query := `UPDATE sources
	          SET last_message_id = GREATEST(last_message_id, ?), last_checked_at = ?
	          WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, messageID, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("advancing high-water: %w", err)
	}
	return nil
}

// UsersWithActiveSources returns the distinct owners of active sources,
// used by supervisor bootstrap.
func (r *sourceRepository) UsersWithActiveSources(ctx context.Context) ([]int64, error) {
	query := `SELECT DISTINCT user_id FROM sources WHERE is_active = TRUE`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing source owners: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning owner id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
