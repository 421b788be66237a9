package deliveries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyxmakerx/relay/internal/apperror"
)

// DeliveryRepository defines the data access contract for delivery records.
type DeliveryRepository interface {
	FindByMessage(ctx context.Context, userID, sourceID, originalMessageID int64) (*Record, error)
	CreatePending(ctx context.Context, userID, sourceID int64, destinationID *int64, originalMessageID int64) (int64, error)
	MarkSuccess(ctx context.Context, id int64, forwardedMessageID int64) error
	MarkFailed(ctx context.Context, id int64, errMessage string, incrementRetry bool) error
	Stats(ctx context.Context, userID int64, since time.Time) (Stats, error)
	LastSuccess(ctx context.Context, userID int64) (*Record, error)
	DueRetries(ctx context.Context, maxRetries, limit int) ([]Record, error)
}

// deliveryRepository implements DeliveryRepository with MariaDB queries.
type deliveryRepository struct {
	db *sql.DB
}

// NewDeliveryRepository creates a new delivery repository.
func NewDeliveryRepository(db *sql.DB) DeliveryRepository {
	return &deliveryRepository{db: db}
}

const recordColumns = `id, user_id, source_id, destination_id, original_message_id,
	forwarded_message_id, status, error_message, retry_count, created_at, completed_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	rec := &Record{}
	var errMsg sql.NullString
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.SourceID, &rec.DestinationID, &rec.OriginalMessageID,
		&rec.ForwardedMessageID, &rec.Status, &errMsg, &rec.RetryCount,
		&rec.CreatedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ErrorMessage = errMsg.String
	return rec, nil
}

// FindByMessage retrieves the record for a semantic dedup key.
func (r *deliveryRepository) FindByMessage(ctx context.Context, userID, sourceID, originalMessageID int64) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM delivery_log
	          WHERE user_id = ? AND source_id = ? AND original_message_id = ?
	          ORDER BY id DESC LIMIT 1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, userID, sourceID, originalMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("delivery record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying delivery record: %w", err)
	}
	return rec, nil
}

// CreatePending inserts a pending record and returns its id.
func (r *deliveryRepository) CreatePending(ctx context.Context, userID, sourceID int64, destinationID *int64, originalMessageID int64) (int64, error) {
	query := `INSERT INTO delivery_log
		(user_id, source_id, destination_id, original_message_id, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`

	res, err := r.db.ExecContext(ctx, query,
		userID, sourceID, destinationID, originalMessageID, StatusPending, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting delivery record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading delivery record id: %w", err)
	}
	return id, nil
}

// MarkSuccess closes a record successfully.
func (r *deliveryRepository) MarkSuccess(ctx context.Context, id int64, forwardedMessageID int64) error {
	query := `UPDATE delivery_log
	          SET status = ?, forwarded_message_id = ?, completed_at = ?
	          WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, StatusSuccess, forwardedMessageID, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("marking delivery success: %w", err)
	}
	return nil
}

// MarkFailed closes a record as failed, bumping the retry counter when the
// failure is retry-eligible.
func (r *deliveryRepository) MarkFailed(ctx context.Context, id int64, errMessage string, incrementRetry bool) error {
	query := `UPDATE delivery_log
	          SET status = ?, error_message = ?, completed_at = ?,
	              retry_count = retry_count + ?
	          WHERE id = ?`

	bump := 0
	if incrementRetry {
		bump = 1
	}
	if _, err := r.db.ExecContext(ctx, query, StatusFailed, errMessage, time.Now().UTC(), bump, id); err != nil {
		return fmt.Errorf("marking delivery failed: %w", err)
	}
	return nil
}

// Stats aggregates the user's outcomes since the given time.
func (r *deliveryRepository) Stats(ctx context.Context, userID int64, since time.Time) (Stats, error) {
	query := `SELECT status, COUNT(*) FROM delivery_log
	          WHERE user_id = ? AND created_at >= ?
	          GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return Stats{}, fmt.Errorf("querying delivery stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scanning delivery stats: %w", err)
		}
		switch status {
		case StatusSuccess:
			stats.Success = count
		case StatusFailed:
			stats.Failed = count
		case StatusPending:
			stats.Pending = count
		}
	}
	return stats, rows.Err()
}

// LastSuccess returns the user's most recent successful delivery.
func (r *deliveryRepository) LastSuccess(ctx context.Context, userID int64) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM delivery_log
	          WHERE user_id = ? AND status = ?
	          ORDER BY completed_at DESC LIMIT 1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, userID, StatusSuccess))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("no successful delivery yet")
	}
	if err != nil {
		return nil, fmt.Errorf("querying last success: %w", err)
	}
	return rec, nil
}

// DueRetries returns failed records still inside the retry budget, oldest
// first.
func (r *deliveryRepository) DueRetries(ctx context.Context, maxRetries, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM delivery_log
	          WHERE status = ? AND retry_count < ?
	          ORDER BY created_at LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning due retry: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
