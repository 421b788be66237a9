package destinations

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/telegram"
)

// Resolver resolves a parsed channel identifier with the given user's
// logged-in client.
type Resolver interface {
	Resolve(ctx context.Context, userID int64, ident telegram.Identifier) (telegram.ChatDescriptor, error)
}

// DestinationService defines the business logic contract for destinations.
type DestinationService interface {
	SetDestination(ctx context.Context, userID int64, input string) (*Destination, error)
	GetDestination(ctx context.Context, userID int64) (*Destination, error)
	ClearDestination(ctx context.Context, userID int64) error
}

// destinationService implements DestinationService.
type destinationService struct {
	repo     DestinationRepository
	resolver Resolver
}

// NewDestinationService creates a new destination service.
func NewDestinationService(repo DestinationRepository, resolver Resolver) DestinationService {
	return &destinationService{repo: repo, resolver: resolver}
}

// SetDestination resolves the identifier and upserts the user's destination.
// Whether the companion bot can actually post there stays unverified until
// the first send; upstream offers no cheap probe from the user session.
func (s *destinationService) SetDestination(ctx context.Context, userID int64, input string) (*Destination, error) {
	ident, err := telegram.ParseIdentifier(input)
	if err != nil {
		return nil, err
	}

	desc, err := s.resolver.Resolve(ctx, userID, ident)
	if err != nil {
		return nil, err
	}
	if !desc.Broadcast && !desc.Megagroup {
		return nil, apperror.NewInputInvalid("destination must be a channel or supergroup")
	}

	title := desc.Title
	if title == "" {
		title = fmt.Sprintf("Channel %d", desc.BareID)
	}

	dest := &Destination{
		UserID:        userID,
		ChannelID:     desc.WireID,
		ChannelHandle: desc.Handle,
		ChannelTitle:  title,
	}
	if err := s.repo.Upsert(ctx, dest); err != nil {
		return nil, apperror.NewInternal(err)
	}

	slog.Info("destination set",
		slog.Int64("user_id", userID),
		slog.Int64("channel_id", dest.ChannelID),
		slog.String("title", dest.ChannelTitle),
	)
	return dest, nil
}

// GetDestination returns the user's active destination, or a not-found
// error when the user is in DM mode.
func (s *destinationService) GetDestination(ctx context.Context, userID int64) (*Destination, error) {
	return s.repo.FindActiveByUser(ctx, userID)
}

// ClearDestination returns the user to DM mode.
func (s *destinationService) ClearDestination(ctx context.Context, userID int64) error {
	if err := s.repo.Deactivate(ctx, userID); err != nil {
		return apperror.NewInternal(err)
	}
	slog.Info("destination cleared", slog.Int64("user_id", userID))
	return nil
}
