package forwarder

import (
	"context"
	"log/slog"
	"time"

	"github.com/keyxmakerx/relay/internal/config"
	"github.com/keyxmakerx/relay/internal/deliveries"
)

// RetryFeed is the ledger surface the retry worker scans. Satisfied by
// *deliveries.Ledger.
type RetryFeed interface {
	DueRetries(ctx context.Context, maxRetries, limit int) ([]deliveries.Record, error)
}

// retryBatchSize bounds one scan round.
const retryBatchSize = 100

// RetryWorker replays failed deliveries through the normal dispatch
// pipeline with exponential backoff, instead of leaving missed sends to
// whenever the poll cycle happens to see them again.
type RetryWorker struct {
	feed RetryFeed
	sup  *Supervisor
	cfg  config.ForwarderConfig

	// now is stubbed in tests.
	now func() time.Time
}

// NewRetryWorker creates a retry worker.
func NewRetryWorker(feed RetryFeed, sup *Supervisor, cfg config.ForwarderConfig) *RetryWorker {
	return &RetryWorker{feed: feed, sup: sup, cfg: cfg, now: time.Now}
}

// Run loops until ctx is cancelled, scanning every RetryScanInterval.
func (w *RetryWorker) Run(ctx context.Context) {
	slog.Info("retry worker started", slog.Duration("interval", w.cfg.RetryScanInterval))
	ticker := time.NewTicker(w.cfg.RetryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retry worker stopped")
			return
		case <-ticker.C:
			w.ScanOnce(ctx)
		}
	}
}

// ScanOnce replays every due record whose backoff has elapsed. Exposed for
// tests.
func (w *RetryWorker) ScanOnce(ctx context.Context) {
	records, err := w.feed.DueRetries(ctx, w.cfg.MaxRetries, retryBatchSize)
	if err != nil {
		slog.Error("scanning due retries", slog.Any("error", err))
		return
	}

	for _, rec := range records {
		// A failure that never consumed retry budget was marked permanent;
		// replaying it would fail identically forever.
		if rec.RetryCount < 1 {
			continue
		}
		if !w.backoffElapsed(rec) {
			continue
		}

		replay := w.sup.replayFor(rec.UserID)
		if replay == nil {
			continue
		}
		if replay(ctx, rec.SourceID, rec.OriginalMessageID) {
			slog.Info("retried delivery",
				slog.Int64("record_id", rec.ID),
				slog.Int64("user_id", rec.UserID),
				slog.Int("retry_count", rec.RetryCount),
			)
		}
	}
}

// backoffElapsed applies base * 2^(n-1) bounded by the max delay, counted
// from the failure's completion time.
func (w *RetryWorker) backoffElapsed(rec deliveries.Record) bool {
	if rec.CompletedAt == nil {
		return true
	}
	delay := w.cfg.BaseRetryDelay << (rec.RetryCount - 1)
	if delay > w.cfg.MaxRetryDelay || delay <= 0 {
		delay = w.cfg.MaxRetryDelay
	}
	return w.now().After(rec.CompletedAt.Add(delay))
}
