package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/keyxmakerx/relay/internal/users"
)

// Notifier delivers a short text to a user through whatever surface the
// embedding application wires in.
type Notifier func(ctx context.Context, userID int64, text string)

// Monitor periodically verifies the sessions of running users and demotes
// those the upstream rejects. It never stops ingestion itself -- the next
// failing upstream call surfaces the invalidation to the supervisor.
type Monitor struct {
	store    *Store
	users    users.UserRepository
	interval time.Duration
	notify   Notifier
}

// NewMonitor creates a session monitor.
func NewMonitor(store *Store, userRepo users.UserRepository, interval time.Duration, notify Notifier) *Monitor {
	return &Monitor{
		store:    store,
		users:    userRepo,
		interval: interval,
		notify:   notify,
	}
}

// Run loops until ctx is cancelled, checking every interval.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("session monitor started", slog.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session monitor stopped")
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce verifies every running user's session, demoting and notifying
// on failure. Exposed separately so tests can trigger a round directly.
func (m *Monitor) CheckOnce(ctx context.Context) {
	running, err := m.users.ListByState(ctx, users.StateRunning)
	if err != nil {
		slog.Error("listing running users", slog.Any("error", err))
		return
	}

	for _, u := range running {
		if m.store.Verify(ctx, u.ID) {
			continue
		}

		slog.Warn("session no longer valid", slog.Int64("user_id", u.ID))
		if err := m.users.UpdateState(ctx, u.ID, users.StateSessionExpired); err != nil {
			slog.Error("demoting user", slog.Int64("user_id", u.ID), slog.Any("error", err))
			continue
		}
		if m.notify != nil {
			m.notify(ctx, u.ID, "Your session expired. Please log in again.")
		}
	}
}
