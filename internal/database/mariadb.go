// Package database provides connection setup for MariaDB and Redis, the
// relay's two shared data planes: MariaDB holds the durable state (users,
// encrypted sessions, sources, destinations, delivery log) and Redis the
// degradable fast paths (flood-gate pauses, dedup cache). Both connections
// are created once at startup and shared via dependency injection; this
// package owns the connection lifecycle (open, configure pool, ping,
// close).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// MariaDB driver -- imported for side effect of registering the driver.
	_ "github.com/go-sql-driver/mysql"

	"github.com/keyxmakerx/relay/internal/config"
)

// NewMariaDB creates a new MariaDB connection pool configured with the
// settings from the provided config. It pings the database to verify
// connectivity before returning.
//
// The pool serves two very different access patterns: short bursty writes
// from per-user dispatchers (a ledger open/close pair per relayed post)
// and periodic scans from the background workers (session monitor, retry
// worker). Idle-time pruning keeps the pool small between bursts while the
// idle floor avoids re-dialing on every incoming post.
func NewMariaDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening mariadb connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Retry with backoff -- MariaDB may still be starting up when the
	// relay container launches, and a crash-looping relay would replay
	// bootstrap (and re-connect every user's MTProto client) on each
	// attempt. Waiting here is much cheaper than restarting.
	const maxRetries = 10
	backoff := 1 * time.Second
	var pingErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr = db.PingContext(ctx)
		cancel()

		if pingErr == nil {
			return db, nil
		}

		if attempt == maxRetries {
			break
		}

		slog.Warn("mariadb not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxRetries),
			slog.Duration("backoff", backoff),
			slog.Any("error", pingErr),
		)
		time.Sleep(backoff)
		backoff = min(backoff*2, 30*time.Second)
	}

	db.Close()
	return nil, fmt.Errorf("pinging mariadb after %d attempts: %w", maxRetries, pingErr)
}
