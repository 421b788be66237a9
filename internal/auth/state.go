// Package auth drives the login state machines: phone+code with optional
// 2FA, and QR token with optional 2FA. Success materialises an encrypted
// session through the session store and evicts the user's client so the
// next acquisition picks the saved session up.
package auth

import "github.com/keyxmakerx/relay/internal/apperror"

// Stage is a login flow state.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageAwaitingCode Stage = "awaiting_code"
	StageAwaitingQR   Stage = "awaiting_qr"
	StageAwaiting2FA  Stage = "awaiting_2fa"
	StageAuthed       Stage = "authed"
)

// Event is a login flow input.
type Event string

const (
	EventStartPhone     Event = "start_phone"
	EventStartQR        Event = "start_qr"
	EventCodeAccepted   Event = "code_accepted"
	EventQRAccepted     Event = "qr_accepted"
	EventNeeds2FA       Event = "needs_2fa"
	EventPasswordOK     Event = "password_ok"
	EventCancel         Event = "cancel"
	EventExpired        Event = "expired"
)

// transitions is the legal state machine. Restarting a flow from any
// non-authed stage is allowed (it tears the previous pending attempt down
// first), so the start events appear on every pre-auth stage.
var transitions = map[Stage]map[Event]Stage{
	StageIdle: {
		EventStartPhone: StageAwaitingCode,
		EventStartQR:    StageAwaitingQR,
	},
	StageAwaitingCode: {
		EventStartPhone:   StageAwaitingCode,
		EventStartQR:      StageAwaitingQR,
		EventCodeAccepted: StageAuthed,
		EventNeeds2FA:     StageAwaiting2FA,
		EventCancel:       StageIdle,
		EventExpired:      StageIdle,
	},
	StageAwaitingQR: {
		EventStartPhone: StageAwaitingCode,
		EventStartQR:    StageAwaitingQR,
		EventQRAccepted: StageAuthed,
		EventNeeds2FA:   StageAwaiting2FA,
		EventCancel:     StageIdle,
		EventExpired:    StageIdle,
	},
	StageAwaiting2FA: {
		EventStartPhone: StageAwaitingCode,
		EventStartQR:    StageAwaitingQR,
		EventPasswordOK: StageAuthed,
		EventCancel:     StageIdle,
		EventExpired:    StageIdle,
	},
}

// advance applies event to stage, or fails with a conflict describing the
// illegal transition.
func advance(stage Stage, event Event) (Stage, error) {
	if next, ok := transitions[stage][event]; ok {
		return next, nil
	}
	return stage, apperror.NewConflict(string(event) + " is not valid while " + string(stage))
}
