// Package sessions stores each user's upstream login session encrypted at
// rest, and keeps its health in view: save/load/invalidate plus an upstream
// verification probe and a periodic monitor demoting users whose session
// the upstream no longer accepts.
package sessions

import "time"

// Session is the persisted, encrypted form of a user's upstream login.
// The plaintext never leaves process memory.
type Session struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`

	// Ciphertext is the encrypted session blob.
	Ciphertext []byte `json:"-"`

	// Hash is the SHA-256 of the plaintext, kept for audit only.
	Hash string `json:"hash"`

	// IsValid is cleared on upstream rejection, decrypt failure, or logout.
	IsValid bool `json:"is_valid"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}
