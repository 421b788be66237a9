package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyxmakerx/relay/internal/apperror"
)

// SessionRepository defines the data access contract for sessions.
// One row per user; Upsert replaces on re-login.
type SessionRepository interface {
	Upsert(ctx context.Context, userID int64, ciphertext []byte, hash string) error
	FindValid(ctx context.Context, userID int64) (*Session, error)
	Touch(ctx context.Context, userID int64) error
	Invalidate(ctx context.Context, userID int64) error
}

// sessionRepository implements SessionRepository with MariaDB queries.
type sessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *sql.DB) SessionRepository {
	return &sessionRepository{db: db}
}

// Upsert writes the encrypted session, resetting validity and timestamps.
func (r *sessionRepository) Upsert(ctx context.Context, userID int64, ciphertext []byte, hash string) error {
	now := time.Now().UTC()
	query := `INSERT INTO sessions (user_id, session_data, session_hash, is_valid, created_at, last_used_at)
	          VALUES (?, ?, ?, TRUE, ?, ?)
	          ON DUPLICATE KEY UPDATE
	            session_data = VALUES(session_data),
	            session_hash = VALUES(session_hash),
	            is_valid = TRUE,
	            created_at = VALUES(created_at),
	            last_used_at = VALUES(last_used_at)`

	if _, err := r.db.ExecContext(ctx, query, userID, ciphertext, hash, now, now); err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// FindValid returns the user's session row if it is still marked valid.
func (r *sessionRepository) FindValid(ctx context.Context, userID int64) (*Session, error) {
	query := `SELECT id, user_id, session_data, session_hash, is_valid, created_at, last_used_at
	          FROM sessions WHERE user_id = ? AND is_valid = TRUE`

	s := &Session{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&s.ID, &s.UserID, &s.Ciphertext, &s.Hash, &s.IsValid, &s.CreatedAt, &s.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("no valid session")
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return s, nil
}

// Touch updates the last-used timestamp.
func (r *sessionRepository) Touch(ctx context.Context, userID int64) error {
	query := `UPDATE sessions SET last_used_at = ? WHERE user_id = ?`

	if _, err := r.db.ExecContext(ctx, query, time.Now().UTC(), userID); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// Invalidate clears the valid flag without deleting the row.
func (r *sessionRepository) Invalidate(ctx context.Context, userID int64) error {
	query := `UPDATE sessions SET is_valid = FALSE WHERE user_id = ?`

	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("invalidating session: %w", err)
	}
	return nil
}
