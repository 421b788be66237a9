package telegram

import (
	"fmt"

	"github.com/gotd/td/tgerr"

	"github.com/keyxmakerx/relay/internal/apperror"
)

// wrapErr translates upstream RPC errors into the relay's error taxonomy.
// Anything unrecognized stays wrapped so callers can still log the cause.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return apperror.NewRateLimited(wait)
	}

	switch {
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN"):
		return apperror.NewAuthRejected(err)

	case tgerr.Is(err, "PHONE_CODE_INVALID"):
		return apperror.NewCodeInvalid()

	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return apperror.NewCodeExpired()

	case tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return apperror.NewPasswordInvalid()

	case tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED"):
		return apperror.NewInputInvalid("the phone number was rejected by the upstream")

	case tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "CHANNEL_INVALID", "CHANNEL_PRIVATE", "PEER_ID_INVALID", "INVITE_HASH_EXPIRED", "INVITE_HASH_INVALID"):
		return apperror.NewNotFound("channel not found or not accessible")

	case tgerr.Is(err, "CHAT_WRITE_FORBIDDEN", "CHAT_ADMIN_REQUIRED", "USER_BANNED_IN_CHANNEL"):
		return apperror.NewPermanent("not allowed to post into the target chat", err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// isSessionPasswordNeeded reports the sign-in outcome that switches the
// auth flow into its 2FA stage.
func isSessionPasswordNeeded(err error) bool {
	return tgerr.Is(err, "SESSION_PASSWORD_NEEDED")
}
