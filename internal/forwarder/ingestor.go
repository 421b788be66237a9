package forwarder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keyxmakerx/relay/internal/sources"
	"github.com/keyxmakerx/relay/internal/telegram"
)

// IngestClient is the slice of the MTProto client the ingestor uses.
// Satisfied by *telegram.Client.
type IngestClient interface {
	Subscribe(handler func(telegram.Message))
	Unsubscribe()
	FetchHistory(ctx context.Context, chat telegram.ChatDescriptor, sinceID, limit int) ([]telegram.Message, error)
}

// Sink receives classified ingest output. Satisfied by *Dispatcher.
type Sink interface {
	Single(ctx context.Context, msg telegram.Message)
	Album(ctx context.Context, msgs []telegram.Message)
}

// pollBatchSize bounds one fallback-poll history fetch per source.
const pollBatchSize = 20

// watched is one monitored source with its in-memory high-water mark.
// The in-memory mark tracks everything seen (including filtered posts) so
// the poller does not refetch them; the persisted mark advances only on
// successful delivery.
type watched struct {
	row       sources.Source
	desc      telegram.ChatDescriptor
	highWater int
}

// Ingestor feeds one user's posts into the pipeline from two directions:
// the client's update subscription for instant delivery, and a fixed
// interval fallback poller for updates the subscription missed.
type Ingestor struct {
	userID       int64
	client       IngestClient
	sink         Sink
	assembler    *Assembler
	pollInterval time.Duration

	mu       sync.Mutex
	watched  []*watched
	accepted map[int64]struct{}
}

// NewIngestor creates an ingestor. Watch sources, then Baseline, then Run.
func NewIngestor(userID int64, client IngestClient, sink Sink, pollInterval time.Duration) *Ingestor {
	return &Ingestor{
		userID:       userID,
		client:       client,
		sink:         sink,
		pollInterval: pollInterval,
		accepted:     make(map[int64]struct{}),
	}
}

// Watch adds a resolved source to the accepted set. Both the stored id
// spelling and the resolved bare id are accepted; they can differ in the
// wire prefix.
func (i *Ingestor) Watch(row sources.Source, desc telegram.ChatDescriptor) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.watched = append(i.watched, &watched{row: row, desc: desc, highWater: int(row.LastMessageID)})
	i.accepted[desc.BareID] = struct{}{}
	i.accepted[telegram.BareChannelID(row.ChannelID)] = struct{}{}
}

// SetAssembler wires the album assembler; grouped messages route through it.
func (i *Ingestor) SetAssembler(a *Assembler) {
	i.assembler = a
}

// Baseline sets each source's in-memory high-water to the newest existing
// message so history is never replayed on start.
func (i *Ingestor) Baseline(ctx context.Context) {
	i.mu.Lock()
	list := append([]*watched(nil), i.watched...)
	i.mu.Unlock()

	for _, w := range list {
		msgs, err := i.client.FetchHistory(ctx, w.desc, 0, 1)
		if err != nil {
			slog.Warn("baseline fetch failed",
				slog.Int64("user_id", i.userID),
				slog.Int64("chat_id", w.desc.BareID),
				slog.Any("error", err),
			)
			continue
		}
		if len(msgs) > 0 && msgs[0].ID > w.highWater {
			i.mu.Lock()
			w.highWater = msgs[0].ID
			i.mu.Unlock()
		}
	}
}

// Run installs the update subscription and blocks in the fallback poll
// loop until ctx is cancelled. The caller removes the subscription.
func (i *Ingestor) Run(ctx context.Context) {
	i.client.Subscribe(func(msg telegram.Message) {
		i.Handle(ctx, msg)
	})

	slog.Info("ingestor started",
		slog.Int64("user_id", i.userID),
		slog.Int("sources", len(i.watched)),
		slog.Duration("poll_interval", i.pollInterval),
	)

	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("ingestor stopped", slog.Int64("user_id", i.userID))
			return
		case <-ticker.C:
			i.pollOnce(ctx)
		}
	}
}

// pollOnce fetches history past each source's in-memory high-water and
// funnels new messages through the same handler the subscription uses,
// oldest first.
func (i *Ingestor) pollOnce(ctx context.Context) {
	i.mu.Lock()
	list := append([]*watched(nil), i.watched...)
	i.mu.Unlock()

	for _, w := range list {
		i.mu.Lock()
		since := w.highWater
		i.mu.Unlock()

		msgs, err := i.client.FetchHistory(ctx, w.desc, since, pollBatchSize)
		if err != nil {
			slog.Warn("fallback poll failed",
				slog.Int64("user_id", i.userID),
				slog.Int64("chat_id", w.desc.BareID),
				slog.Any("error", err),
			)
			continue
		}

		// History arrives newest first; replay oldest first.
		for idx := len(msgs) - 1; idx >= 0; idx-- {
			msg := msgs[idx]
			if msg.ID <= since {
				continue
			}
			i.mu.Lock()
			if msg.ID > w.highWater {
				w.highWater = msg.ID
			}
			i.mu.Unlock()
			i.Handle(ctx, msg)
		}
	}
}

// Handle classifies and routes one incoming message: unknown chats and
// unsupported kinds drop, grouped messages buffer in the assembler,
// everything else dispatches directly.
func (i *Ingestor) Handle(ctx context.Context, msg telegram.Message) {
	i.mu.Lock()
	_, ok := i.accepted[telegram.BareChannelID(msg.ChatID)]
	if ok {
		// Keep the subscription path's view of the high-water current too,
		// so the next poll does not re-deliver what the push already did.
		for _, w := range i.watched {
			if w.desc.BareID == telegram.BareChannelID(msg.ChatID) && msg.ID > w.highWater {
				w.highWater = msg.ID
			}
		}
	}
	i.mu.Unlock()
	if !ok {
		return
	}

	if msg.Kind == telegram.KindUnsupported {
		slog.Debug("dropping unsupported post",
			slog.Int64("user_id", i.userID),
			slog.Int64("chat_id", msg.ChatID),
			slog.Int("message_id", msg.ID),
		)
		return
	}

	if msg.GroupedID != 0 && i.assembler != nil {
		i.assembler.Add(msg)
		return
	}
	i.sink.Single(ctx, msg)
}
