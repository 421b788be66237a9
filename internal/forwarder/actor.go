package forwarder

import (
	"context"
	"log/slog"

	"github.com/keyxmakerx/relay/internal/telegram"
)

// RelayClient is the full client surface one running user needs.
// Satisfied by *telegram.Client.
type RelayClient interface {
	MTSender
	IngestClient
	ResolveChat(ctx context.Context, ident telegram.Identifier) (telegram.ChatDescriptor, error)
	GetMessage(ctx context.Context, chat telegram.ChatDescriptor, msgID int) (telegram.Message, error)
	WarmPeerCache(ctx context.Context, limit int) int
}

// actor is one user's running relay unit: the client handle, the ingest
// loop, the dispatch serialiser, and the album assembler. The supervisor
// owns the map of actors.
type actor struct {
	userID     int64
	client     RelayClient
	dispatcher *Dispatcher
	ingestor   *Ingestor
	assembler  *Assembler

	cancel context.CancelFunc
	done   chan struct{}
}

// start launches the ingest loop. The actor context is detached from the
// caller: the actor outlives the request that started it.
func (a *actor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		a.ingestor.Run(ctx)
	}()
}

// stop cancels the poll loop, waits for it to return, then removes the
// subscription and drops buffered albums. A dispatch the poll loop is
// running when stop is called is waited for; dispatches started by the
// subscription handler or the album assembler complete on their own and
// are not waited for.
func (a *actor) stop() {
	a.cancel()
	// Run subscribes before it looks at ctx, so the handler is removed only
	// after Run has returned; a late Subscribe cannot outlive the stop.
	<-a.done
	a.client.Unsubscribe()
	a.assembler.Stop()
}

// replay re-runs a failed delivery through the normal pipeline by
// refetching the original message. Returns false when the source is no
// longer watched or the message is gone.
func (a *actor) replay(ctx context.Context, sourceID, originalMessageID int64) bool {
	binding := a.dispatcher.bindingBySourceID(sourceID)
	if binding == nil {
		return false
	}

	msg, err := a.client.GetMessage(ctx, binding.desc, int(originalMessageID))
	if err != nil {
		slog.Debug("retry refetch failed",
			slog.Int64("user_id", a.userID),
			slog.Int64("source_id", sourceID),
			slog.Int64("message_id", originalMessageID),
			slog.Any("error", err),
		)
		return false
	}

	a.dispatcher.Single(ctx, msg)
	return true
}
