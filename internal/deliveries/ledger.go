package deliveries

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/database"
)

// dedupTTL bounds the Redis fast-path entries; the database stays the
// source of truth well past it.
const dedupTTL = 72 * time.Hour

// Ledger is the delivery ledger: dedup checks, pending-open, outcome
// recording, and the observability helpers. A Redis read-through cache
// fronts the dedup query; Redis being down degrades to DB-only.
type Ledger struct {
	repo  DeliveryRepository
	redis *redis.Client
}

// NewLedger creates a ledger. rdb may be nil to run without the cache.
func NewLedger(repo DeliveryRepository, rdb *redis.Client) *Ledger {
	return &Ledger{repo: repo, redis: rdb}
}

func dedupKey(userID, sourceID, originalMessageID int64) string {
	return database.Key("delivered",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(sourceID, 10),
		strconv.FormatInt(originalMessageID, 10),
	)
}

// IsDuplicate reports whether a successful delivery already exists for the
// semantic key.
func (l *Ledger) IsDuplicate(ctx context.Context, userID, sourceID, originalMessageID int64) bool {
	if l.redis != nil {
		n, err := l.redis.Exists(ctx, dedupKey(userID, sourceID, originalMessageID)).Result()
		if err == nil && n > 0 {
			return true
		}
		if err != nil {
			slog.Warn("dedup cache read failed", slog.Any("error", err))
		}
	}

	rec, err := l.repo.FindByMessage(ctx, userID, sourceID, originalMessageID)
	if err != nil {
		if !apperror.IsKind(err, apperror.KindNotFound) {
			slog.Error("dedup lookup failed", slog.Any("error", err))
		}
		return false
	}
	if rec.Status != StatusSuccess {
		return false
	}

	l.cacheDelivered(ctx, userID, sourceID, originalMessageID)
	return true
}

// Open persists a pending record for an attempt about to be made.
func (l *Ledger) Open(ctx context.Context, userID, sourceID int64, destinationID *int64, originalMessageID int64) (int64, error) {
	id, err := l.repo.CreatePending(ctx, userID, sourceID, destinationID, originalMessageID)
	if err != nil {
		return 0, fmt.Errorf("opening delivery record: %w", err)
	}
	return id, nil
}

// MarkSuccess closes a record successfully and seeds the dedup cache.
func (l *Ledger) MarkSuccess(ctx context.Context, recordID int64, userID, sourceID, originalMessageID, forwardedMessageID int64) error {
	if err := l.repo.MarkSuccess(ctx, recordID, forwardedMessageID); err != nil {
		return err
	}
	l.cacheDelivered(ctx, userID, sourceID, originalMessageID)
	return nil
}

// MarkFailed closes a record as failed. willRetry controls whether the
// failure consumes retry budget.
func (l *Ledger) MarkFailed(ctx context.Context, recordID int64, errMessage string, willRetry bool) error {
	return l.repo.MarkFailed(ctx, recordID, errMessage, willRetry)
}

// Stats returns the user's outcome counts over the trailing window.
func (l *Ledger) Stats(ctx context.Context, userID int64, window time.Duration) (Stats, error) {
	return l.repo.Stats(ctx, userID, time.Now().UTC().Add(-window))
}

// LastSuccess returns the user's most recent successful delivery.
func (l *Ledger) LastSuccess(ctx context.Context, userID int64) (*Record, error) {
	return l.repo.LastSuccess(ctx, userID)
}

// DueRetries returns failed records still inside the retry budget.
func (l *Ledger) DueRetries(ctx context.Context, maxRetries, limit int) ([]Record, error) {
	return l.repo.DueRetries(ctx, maxRetries, limit)
}

func (l *Ledger) cacheDelivered(ctx context.Context, userID, sourceID, originalMessageID int64) {
	if l.redis == nil {
		return
	}
	if err := l.redis.Set(ctx, dedupKey(userID, sourceID, originalMessageID), 1, dedupTTL).Err(); err != nil {
		slog.Warn("dedup cache write failed", slog.Any("error", err))
	}
}
