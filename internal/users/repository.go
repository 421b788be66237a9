package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyxmakerx/relay/internal/apperror"
)

// UserRepository defines the data access contract for users.
type UserRepository interface {
	Upsert(ctx context.Context, id int64) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)
	UpdateState(ctx context.Context, id int64, state State) error
	ListByState(ctx context.Context, state State) ([]User, error)
	ListActive(ctx context.Context) ([]User, error)
}

// userRepository implements UserRepository with MariaDB queries.
type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

// Upsert creates the user on first contact or returns the existing row.
func (r *userRepository) Upsert(ctx context.Context, id int64) (*User, error) {
	now := time.Now().UTC()
	query := `INSERT INTO users (id, state, is_active, created_at, updated_at)
	          VALUES (?, ?, TRUE, ?, ?)
	          ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at)`

	if _, err := r.db.ExecContext(ctx, query, id, StateIdle, now, now); err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return r.FindByID(ctx, id)
}

// FindByID retrieves a user by the upstream id.
func (r *userRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	query := `SELECT id, state, is_active, created_at, updated_at FROM users WHERE id = ?`

	u := &User{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.State, &u.IsActive, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// UpdateState sets the user's lifecycle tag.
func (r *userRepository) UpdateState(ctx context.Context, id int64, state State) error {
	query := `UPDATE users SET state = ?, updated_at = ? WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, state, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("updating user state: %w", err)
	}
	return nil
}

// ListByState returns all active users in the given state.
func (r *userRepository) ListByState(ctx context.Context, state State) ([]User, error) {
	query := `SELECT id, state, is_active, created_at, updated_at
	          FROM users WHERE state = ? AND is_active = TRUE`

	rows, err := r.db.QueryContext(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("listing users by state: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

// ListActive returns every active user.
func (r *userRepository) ListActive(ctx context.Context) ([]User, error) {
	query := `SELECT id, state, is_active, created_at, updated_at
	          FROM users WHERE is_active = TRUE`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.State, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
