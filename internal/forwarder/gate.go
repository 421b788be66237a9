package forwarder

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/relay/internal/database"
)

// Gate is the per-user cooperative flood-wait pause. When the upstream
// answers with a retry-after, the user's dispatcher blocks here before the
// next send. The pause is mirrored into Redis with a matching TTL so a
// restart mid-pause does not hammer the upstream again.
type Gate struct {
	redis      *redis.Client
	multiplier float64

	mu    sync.Mutex
	until map[int64]time.Time
}

// NewGate creates a gate. rdb may be nil for in-memory-only operation.
// multiplier scales the upstream retry-after before applying it.
func NewGate(rdb *redis.Client, multiplier float64) *Gate {
	if multiplier <= 0 {
		multiplier = 1
	}
	return &Gate{
		redis:      rdb,
		multiplier: multiplier,
		until:      make(map[int64]time.Time),
	}
}

func gateKey(userID int64) string {
	return database.Key("floodgate", strconv.FormatInt(userID, 10))
}

// Block pauses the user's dispatcher for retryAfter scaled by the
// configured multiplier.
func (g *Gate) Block(ctx context.Context, userID int64, retryAfter time.Duration) {
	pause := time.Duration(float64(retryAfter) * g.multiplier)
	deadline := time.Now().Add(pause)

	g.mu.Lock()
	if deadline.After(g.until[userID]) {
		g.until[userID] = deadline
	}
	g.mu.Unlock()

	if g.redis != nil {
		if err := g.redis.Set(ctx, gateKey(userID), 1, pause).Err(); err != nil {
			slog.Warn("flood gate persist failed", slog.Any("error", err))
		}
	}

	slog.Warn("flood wait: pausing user dispatcher",
		slog.Int64("user_id", userID),
		slog.Duration("pause", pause),
	)
}

// remaining returns how long the user is still gated, consulting Redis for
// pauses surviving a restart.
func (g *Gate) remaining(ctx context.Context, userID int64) time.Duration {
	g.mu.Lock()
	deadline := g.until[userID]
	g.mu.Unlock()

	if wait := time.Until(deadline); wait > 0 {
		return wait
	}

	if g.redis != nil {
		ttl, err := g.redis.PTTL(ctx, gateKey(userID)).Result()
		if err != nil {
			slog.Warn("flood gate read failed", slog.Any("error", err))
		} else if ttl > 0 {
			g.mu.Lock()
			g.until[userID] = time.Now().Add(ttl)
			g.mu.Unlock()
			return ttl
		}
	}
	return 0
}

// Wait blocks until the user's gate is open or ctx is cancelled.
func (g *Gate) Wait(ctx context.Context, userID int64) error {
	for {
		wait := g.remaining(ctx, userID)
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
