package sessions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/cryptobox"
)

// Prober is the slice of the MTProto client the verification path needs:
// connect with a session, ask who we are, disconnect. Satisfied by
// *telegram.Client.
type Prober interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Disconnect()
}

// ProberFactory builds a throwaway client for one verification round.
type ProberFactory func(userID int64, sessionPlaintext string) Prober

// Store is the session store: encrypt/decrypt around the repository plus
// the upstream validity probe.
type Store struct {
	repo   SessionRepository
	box    *cryptobox.Box
	prober ProberFactory
}

// NewStore creates a session store. prober may be nil when verification is
// not needed (tests of save/load only).
func NewStore(repo SessionRepository, box *cryptobox.Box, prober ProberFactory) *Store {
	return &Store{repo: repo, box: box, prober: prober}
}

// Save encrypts and persists the session plaintext, resetting validity.
func (s *Store) Save(ctx context.Context, userID int64, plaintext string) error {
	ciphertext, err := s.box.Encrypt(userID, []byte(plaintext))
	if err != nil {
		return fmt.Errorf("encrypting session: %w", err)
	}
	hash := cryptobox.Hash([]byte(plaintext))

	if err := s.repo.Upsert(ctx, userID, ciphertext, hash); err != nil {
		return err
	}
	slog.Info("session saved", slog.Int64("user_id", userID))
	return nil
}

// Load fetches and decrypts the user's session. Returns ("", false) when no
// valid session exists. A blob that fails decryption is invalidated and
// reported as absent -- the caller never sees the failure.
func (s *Store) Load(ctx context.Context, userID int64) (string, bool) {
	row, err := s.repo.FindValid(ctx, userID)
	if err != nil {
		if !apperror.IsKind(err, apperror.KindNotFound) {
			slog.Error("loading session", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return "", false
	}

	plaintext, err := s.box.Decrypt(userID, row.Ciphertext)
	if err != nil {
		slog.Error("session decrypt failed, invalidating",
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
		if err := s.repo.Invalidate(ctx, userID); err != nil {
			slog.Error("invalidating undecryptable session", slog.Any("error", err))
		}
		return "", false
	}

	if err := s.repo.Touch(ctx, userID); err != nil {
		slog.Warn("touching session", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	return string(plaintext), true
}

// Invalidate marks the user's session invalid.
func (s *Store) Invalidate(ctx context.Context, userID int64) error {
	slog.Info("invalidating session", slog.Int64("user_id", userID))
	return s.repo.Invalidate(ctx, userID)
}

// Verify checks the session against the upstream with a throwaway client.
// All failures normalize to false; an upstream auth rejection additionally
// invalidates the stored row. Never returns an error.
func (s *Store) Verify(ctx context.Context, userID int64) bool {
	plaintext, ok := s.Load(ctx, userID)
	if !ok {
		return false
	}

	probe := s.prober(userID, plaintext)
	defer probe.Disconnect()

	if err := probe.Connect(ctx); err != nil {
		slog.Warn("session verify connect failed",
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
		// Transport trouble is not evidence the session is bad.
		return false
	}

	if err := probe.Ping(ctx); err != nil {
		if apperror.IsKind(err, apperror.KindAuthRejected) {
			slog.Warn("session rejected by upstream", slog.Int64("user_id", userID))
			if invErr := s.repo.Invalidate(ctx, userID); invErr != nil {
				slog.Error("invalidating rejected session", slog.Any("error", invErr))
			}
		} else {
			slog.Warn("session verify failed",
				slog.Int64("user_id", userID),
				slog.Any("error", err),
			)
		}
		return false
	}
	return true
}
