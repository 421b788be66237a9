// Package deliveries is the persistent log of forwarding attempts: the
// exact-once dedup record, retry accounting, and the observability helpers
// the status surface reads.
package deliveries

import "time"

// Status is the delivery record lifecycle. Pending records only ever move
// to success or failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Record is one forwarding attempt, keyed semantically by
// (user, source, original message id).
type Record struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`

	// SourceID references the owning source row.
	SourceID int64 `json:"source_id"`

	// DestinationID is nil in DM-fallback mode.
	DestinationID *int64 `json:"destination_id,omitempty"`

	// OriginalMessageID is the post's id in the source channel.
	OriginalMessageID int64 `json:"original_message_id"`

	// ForwardedMessageID is the egress message id once successful.
	ForwardedMessageID *int64 `json:"forwarded_message_id,omitempty"`

	Status Status `json:"status"`

	// ErrorMessage captures the failure cause.
	ErrorMessage string `json:"error_message,omitempty"`

	// RetryCount counts retry-eligible failures so far.
	RetryCount int `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stats is a per-user delivery breakdown over a time window.
type Stats struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}
