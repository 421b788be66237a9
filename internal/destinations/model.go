// Package destinations manages the optional relay target channel per user.
// A user with no active destination gets posts re-sent to their direct
// messages through the bot instead.
package destinations

import "time"

// Destination is the channel a user's posts are relayed into. At most one
// active destination per user.
type Destination struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`

	// ChannelID is the canonical wire id (-100-prefixed).
	ChannelID int64 `json:"channel_id"`

	// ChannelHandle is the public username, if any.
	ChannelHandle string `json:"channel_handle,omitempty"`

	// ChannelTitle is the display title captured at configuration time.
	ChannelTitle string `json:"channel_title"`

	// IsActive is false after the user returns to DM mode.
	IsActive bool `json:"is_active"`

	ConfiguredAt time.Time `json:"configured_at"`
}
