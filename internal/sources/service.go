package sources

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/telegram"
)

// Resolver resolves a parsed channel identifier with the given user's
// logged-in client. Implemented by the application wiring on top of the
// session store and client registry.
type Resolver interface {
	Resolve(ctx context.Context, userID int64, ident telegram.Identifier) (telegram.ChatDescriptor, error)
}

// SourceService defines the business logic contract for source intake.
type SourceService interface {
	AddSources(ctx context.Context, userID int64, inputs []string) ([]AddOutcome, error)
	RemoveSource(ctx context.Context, userID, channelID int64) error
	ListSources(ctx context.Context, userID int64) ([]Source, error)
}

// sourceService implements SourceService.
type sourceService struct {
	repo     SourceRepository
	resolver Resolver
}

// NewSourceService creates a new source service.
func NewSourceService(repo SourceRepository, resolver Resolver) SourceService {
	return &sourceService{repo: repo, resolver: resolver}
}

// AddSources validates and resolves each supplied identifier, adding or
// reactivating sources up to the per-user cap. Individual link failures do
// not abort the batch; each input gets its own outcome.
func (s *sourceService) AddSources(ctx context.Context, userID int64, inputs []string) ([]AddOutcome, error) {
	if len(inputs) == 0 {
		return nil, apperror.NewInputInvalid("no channel identifiers supplied")
	}

	count, err := s.repo.CountActiveByUser(ctx, userID)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("counting sources: %w", err))
	}
	if count >= MaxPerUser {
		return nil, apperror.NewConflict(fmt.Sprintf("source limit reached (%d)", MaxPerUser))
	}

	outcomes := make([]AddOutcome, 0, len(inputs))
	for _, input := range inputs {
		outcome := s.addOne(ctx, userID, input, &count)
		outcomes = append(outcomes, outcome)
	}

	slog.Info("sources added",
		slog.Int64("user_id", userID),
		slog.Int("requested", len(inputs)),
		slog.Int("active_now", count),
	)
	return outcomes, nil
}

func (s *sourceService) addOne(ctx context.Context, userID int64, input string, count *int) AddOutcome {
	if *count >= MaxPerUser {
		return AddOutcome{Input: input, Reason: fmt.Sprintf("source limit reached (%d)", MaxPerUser)}
	}

	ident, err := telegram.ParseIdentifier(input)
	if err != nil {
		return AddOutcome{Input: input, Reason: apperror.SafeMessage(err)}
	}

	desc, err := s.resolver.Resolve(ctx, userID, ident)
	if err != nil {
		slog.Warn("source resolution failed",
			slog.Int64("user_id", userID),
			slog.String("input", input),
			slog.Any("error", err),
		)
		return AddOutcome{Input: input, Reason: apperror.SafeMessage(err)}
	}

	if !desc.Broadcast && !desc.Megagroup {
		return AddOutcome{Input: input, Reason: "not a channel or supergroup"}
	}

	existing, err := s.repo.FindByChannel(ctx, userID, desc.WireID)
	if err == nil {
		if existing.IsActive {
			return AddOutcome{Input: input, Reason: "already added"}
		}
		if err := s.repo.SetActive(ctx, existing.ID, true); err != nil {
			return AddOutcome{Input: input, Reason: "could not reactivate source"}
		}
		existing.IsActive = true
		*count++
		return AddOutcome{Input: input, Source: existing}
	}
	if !apperror.IsKind(err, apperror.KindNotFound) {
		return AddOutcome{Input: input, Reason: "storage error"}
	}

	title := desc.Title
	if title == "" {
		title = desc.Handle
	}
	if title == "" {
		title = fmt.Sprintf("Channel %d", desc.BareID)
	}

	src := &Source{
		UserID:        userID,
		ChannelID:     desc.WireID,
		ChannelHandle: desc.Handle,
		ChannelTitle:  title,
		IsActive:      true,
	}
	if err := s.repo.Create(ctx, src); err != nil {
		slog.Error("creating source", slog.Int64("user_id", userID), slog.Any("error", err))
		return AddOutcome{Input: input, Reason: "storage error"}
	}
	*count++
	return AddOutcome{Input: input, Source: src}
}

// RemoveSource deactivates a source by wire channel id.
func (s *sourceService) RemoveSource(ctx context.Context, userID, channelID int64) error {
	src, err := s.repo.FindByChannel(ctx, userID, channelID)
	if err != nil {
		return err
	}
	if !src.IsActive {
		return nil
	}
	return s.repo.SetActive(ctx, src.ID, false)
}

// ListSources returns the user's active sources.
func (s *sourceService) ListSources(ctx context.Context, userID int64) ([]Source, error) {
	list, err := s.repo.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	return list, nil
}
