// Package sources manages the channels a user monitors: intake with
// per-link validation, the per-user cap, soft removal/reactivation, and the
// per-source high-water mark that keeps historical posts from replaying.
package sources

import "time"

// MaxPerUser caps how many sources one user may monitor.
const MaxPerUser = 50

// Source is a monitored channel owned by one user. ChannelID is stored in
// the -100-prefixed wire form; lookups happen by it only.
type Source struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`

	// ChannelID is the canonical wire id (-100-prefixed).
	ChannelID int64 `json:"channel_id"`

	// ChannelHandle is the public username, if any.
	ChannelHandle string `json:"channel_handle,omitempty"`

	// ChannelTitle is the display title captured at add time.
	ChannelTitle string `json:"channel_title"`

	// IsActive is false after removal; re-adding reactivates.
	IsActive bool `json:"is_active"`

	// LastMessageID is the high-water mark: the newest message id already
	// processed. Monotonic non-decreasing.
	LastMessageID int64 `json:"last_message_id"`

	AddedAt       time.Time  `json:"added_at"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

// AddOutcome reports one intake attempt within a multi-link add.
type AddOutcome struct {
	// Input is the identifier as the user supplied it.
	Input string `json:"input"`

	// Source is set when the add (or reactivation) succeeded.
	Source *Source `json:"source,omitempty"`

	// Reason is the per-link failure explanation when Source is nil.
	Reason string `json:"reason,omitempty"`
}
