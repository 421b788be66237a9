package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/config"
	"github.com/keyxmakerx/relay/internal/destinations"
	"github.com/keyxmakerx/relay/internal/sessions"
	"github.com/keyxmakerx/relay/internal/sources"
	"github.com/keyxmakerx/relay/internal/telegram"
	"github.com/keyxmakerx/relay/internal/users"
)

// ClientProvider acquires a connected client for a user's session.
// Implemented by the application wiring on top of the client registry.
type ClientProvider interface {
	Acquire(ctx context.Context, userID int64, sessionPlaintext string) (RelayClient, error)
}

// Supervisor owns the per-user actors: idempotent start, stop, and the
// boot-time bootstrap of every configured user.
type Supervisor struct {
	provider ClientProvider
	store    *sessions.Store
	sources  sources.SourceRepository
	dests    destinations.DestinationRepository
	users    users.UserRepository
	ledger   Ledger
	bot      BotSender
	gate     *Gate
	notify   sessions.Notifier
	cfg      config.ForwarderConfig

	mu     sync.Mutex
	actors map[int64]*actor
}

// NewSupervisor creates a supervisor.
func NewSupervisor(
	provider ClientProvider,
	store *sessions.Store,
	sourceRepo sources.SourceRepository,
	destRepo destinations.DestinationRepository,
	userRepo users.UserRepository,
	ledger Ledger,
	bot BotSender,
	gate *Gate,
	notify sessions.Notifier,
	cfg config.ForwarderConfig,
) *Supervisor {
	return &Supervisor{
		provider: provider,
		store:    store,
		sources:  sourceRepo,
		dests:    destRepo,
		users:    userRepo,
		ledger:   ledger,
		bot:      bot,
		gate:     gate,
		notify:   notify,
		cfg:      cfg,
		actors:   make(map[int64]*actor),
	}
}

// Start begins (or restarts) relaying for a user. Fails with NoSession when
// the user is not authenticated and NotConfigured when no source resolves.
func (s *Supervisor) Start(ctx context.Context, userID int64) error {
	// Idempotent restart: a running actor is torn down first so config
	// changes (new sources, changed destination) take effect.
	s.mu.Lock()
	if existing, ok := s.actors[userID]; ok {
		delete(s.actors, userID)
		s.mu.Unlock()
		slog.Info("restarting forwarder", slog.Int64("user_id", userID))
		existing.stop()
	} else {
		s.mu.Unlock()
	}

	sessionPlaintext, ok := s.store.Load(ctx, userID)
	if !ok {
		return apperror.NewNoSession()
	}

	srcs, err := s.sources.ListActiveByUser(ctx, userID)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("loading sources: %w", err))
	}
	if len(srcs) == 0 {
		return apperror.NewNotConfigured("no sources configured")
	}

	client, err := s.provider.Acquire(ctx, userID, sessionPlaintext)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("acquiring client: %w", err))
	}

	client.WarmPeerCache(ctx, 200)

	egress, err := s.resolveEgress(ctx, userID, client)
	if err != nil {
		return err
	}

	filter := NewFilter(s.cfg.FilterKeywords, FilterMode(s.cfg.FilterMode), s.cfg.FilterCaseSensitive)
	dispatcher := NewDispatcher(
		userID, egress, client, s.bot, s.ledger, s.sources,
		filter, s.gate, s.notify,
		int64(s.cfg.DMMaxMediaSizeMB)<<20,
	)
	ingestor := NewIngestor(userID, client, dispatcher, s.cfg.PollInterval)

	resolved := 0
	for _, src := range srcs {
		ident := telegram.Identifier{Kind: telegram.IdentNumericID, NumericID: src.ChannelID}
		desc, err := client.ResolveChat(ctx, ident)
		if err != nil {
			slog.Warn("source did not resolve, skipping",
				slog.Int64("user_id", userID),
				slog.Int64("channel_id", src.ChannelID),
				slog.Any("error", err),
			)
			continue
		}
		dispatcher.RegisterSource(src, desc)
		ingestor.Watch(src, desc)
		resolved++
	}
	if resolved == 0 {
		return apperror.NewNotConfigured("none of the configured sources resolved")
	}

	a := &actor{
		userID:     userID,
		client:     client,
		dispatcher: dispatcher,
		ingestor:   ingestor,
	}
	a.assembler = NewAssembler(s.cfg.MediaGroupTimeout, func(msgs []telegram.Message) {
		dispatcher.Album(context.Background(), msgs)
	})
	ingestor.SetAssembler(a.assembler)

	ingestor.Baseline(ctx)
	a.start()

	s.mu.Lock()
	s.actors[userID] = a
	s.mu.Unlock()

	if err := s.users.UpdateState(ctx, userID, users.StateRunning); err != nil {
		slog.Error("updating user state", slog.Int64("user_id", userID), slog.Any("error", err))
	}

	slog.Info("forwarder started",
		slog.Int64("user_id", userID),
		slog.Int("sources", resolved),
		slog.Bool("dm_mode", egress == DMEgress{UserID: userID}),
	)
	return nil
}

// resolveEgress picks the egress variant: the configured destination
// channel, or DM fallback when none is active.
func (s *Supervisor) resolveEgress(ctx context.Context, userID int64, client RelayClient) (Egress, error) {
	dest, err := s.dests.FindActiveByUser(ctx, userID)
	if err != nil {
		if apperror.IsKind(err, apperror.KindNotFound) {
			return DMEgress{UserID: userID}, nil
		}
		return nil, apperror.NewInternal(fmt.Errorf("loading destination: %w", err))
	}

	ident := telegram.Identifier{Kind: telegram.IdentNumericID, NumericID: dest.ChannelID}
	desc, err := client.ResolveChat(ctx, ident)
	if err != nil {
		return nil, err
	}
	return ChannelEgress{DestinationID: dest.ID, Chat: desc}, nil
}

// Stop ends relaying for a user. The client stays in the registry for
// reuse; only the actor state is dropped.
func (s *Supervisor) Stop(ctx context.Context, userID int64) {
	s.mu.Lock()
	a, ok := s.actors[userID]
	delete(s.actors, userID)
	s.mu.Unlock()

	if !ok {
		return
	}
	a.stop()

	if err := s.users.UpdateState(ctx, userID, users.StateMainMenu); err != nil {
		slog.Error("updating user state", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	slog.Info("forwarder stopped", slog.Int64("user_id", userID))
}

// Bootstrap starts every user who has both a valid session and at least
// one active source. Called once at process start.
func (s *Supervisor) Bootstrap(ctx context.Context) {
	owners, err := s.sources.UsersWithActiveSources(ctx)
	if err != nil {
		slog.Error("bootstrap: listing configured users", slog.Any("error", err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, userID := range owners {
		g.Go(func() error {
			if err := s.Start(gctx, userID); err != nil {
				// Missing sessions and unresolved sources are normal here;
				// those users simply stay stopped.
				slog.Info("bootstrap: user not started",
					slog.Int64("user_id", userID),
					slog.Any("reason", err),
				)
			}
			return nil
		})
	}
	g.Wait()

	slog.Info("bootstrap complete",
		slog.Int("configured", len(owners)),
		slog.Int("running", len(s.RunningUsers())),
	)
}

// StopAll tears every actor down. Called on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	all := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		all = append(all, a)
	}
	s.actors = make(map[int64]*actor)
	s.mu.Unlock()

	for _, a := range all {
		a.stop()
	}
}

// Running reports whether the user has a live actor.
func (s *Supervisor) Running(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.actors[userID]
	return ok
}

// RunningUsers lists users with live actors.
func (s *Supervisor) RunningUsers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.actors))
	for id := range s.actors {
		out = append(out, id)
	}
	return out
}

// replayFor hands the retry worker a replay hook for the user, or nil when
// the user is not running.
func (s *Supervisor) replayFor(userID int64) func(ctx context.Context, sourceID, originalMessageID int64) bool {
	s.mu.Lock()
	a, ok := s.actors[userID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return a.replay
}
