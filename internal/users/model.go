// Package users tracks the enrolled end users and their coarse state tag.
// The state tag is what the auth flow, the supervisor, and the session
// monitor coordinate through: it says where in the enrol/run lifecycle a
// user currently is.
package users

import "time"

// State is the user's lifecycle tag.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingPhone  State = "awaiting_phone"
	StateAwaitingCode   State = "awaiting_code"
	StateAwaiting2FA    State = "awaiting_2fa"
	StateMainMenu       State = "main_menu"
	StateRunning        State = "running"
	StateSessionExpired State = "session_expired"
)

// User is an enrolled end user, keyed by the upstream-assigned id.
type User struct {
	// ID is the upstream (Telegram) user id.
	ID int64 `json:"id"`

	// State is the lifecycle tag.
	State State `json:"state"`

	// IsActive is false for soft-removed users.
	IsActive bool `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
