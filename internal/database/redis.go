package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/relay/internal/config"
)

// redisKeyPrefix namespaces every key this process writes so the relay can
// share a Redis instance with the chat-UI collaborator and other services.
const redisKeyPrefix = "relay"

// Key joins parts into a namespaced Redis key: Key("floodgate", "42")
// -> "relay:floodgate:42". All relay components (dispatch gate, delivery
// dedup cache) build their keys through this, so the namespace lives in
// one place.
func Key(parts ...string) string {
	return redisKeyPrefix + ":" + strings.Join(parts, ":")
}

// NewRedis creates a new Redis client from the given config. It parses the
// URL, connects, and pings to verify connectivity before returning.
//
// The relay keeps only small hot keys with TTLs in Redis (per-user
// flood-gate pauses, delivery dedup entries), and every caller degrades to
// DB-only behaviour when Redis is away. The timeouts are therefore tuned
// to fail fast: a slow Redis must not stall a user's dispatcher when the
// database can answer instead.
func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	opts.MaxRetries = 1

	// Gate checks happen on every dispatched post; keep warm connections
	// around instead of re-dialing on each burst.
	opts.MinIdleConns = 2

	client := redis.NewClient(opts)

	// Verify the connection is alive before returning.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}
