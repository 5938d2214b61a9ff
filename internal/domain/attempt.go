package domain

import "time"

// AttemptState enumerates the delivery state of one recipient within one campaign.
type AttemptState string

const (
	AttemptPending  AttemptState = "pending"
	AttemptSent     AttemptState = "sent"
	AttemptRetrying AttemptState = "retrying"
	AttemptFailed   AttemptState = "failed"
)

// Valid reports whether s is a known attempt state.
func (s AttemptState) Valid() bool {
	switch s {
	case AttemptPending, AttemptSent, AttemptRetrying, AttemptFailed:
		return true
	}
	return false
}

// IsTerminal returns true for sent and failed.
func (s AttemptState) IsTerminal() bool {
	return s == AttemptSent || s == AttemptFailed
}

// DeliveryAttempt is the per-recipient tracking row for one campaign. Rows are
// created when the campaign starts and are never deleted.
type DeliveryAttempt struct {
	ID            string       `json:"id" db:"id"`
	CampaignID    string       `json:"campaignId" db:"campaign_id"`
	RecipientID   string       `json:"recipientId" db:"recipient_id"`
	RecipientName string       `json:"recipientName,omitempty" db:"recipient_name"`
	Address       string       `json:"address" db:"address"`
	State         AttemptState `json:"state" db:"state"`

	// AttemptCount is the number of times this row has been scheduled for a
	// retry. A row that reached sent with AttemptCount > 0 succeeded on retry.
	AttemptCount    int          `json:"attemptCount" db:"attempt_count"`
	LastFailureKind *FailureKind `json:"lastFailureKind" db:"last_failure_kind"`
	LastError       string       `json:"lastError,omitempty" db:"last_error"`
	NextAttemptAt   *time.Time   `json:"nextAttemptAt" db:"next_attempt_at"`
	LastAttemptAt   *time.Time   `json:"lastAttemptAt" db:"last_attempt_at"`

	// Lease held by a dispatcher while it sends.
	ClaimedBy    string     `json:"-" db:"claimed_by"`
	ClaimedUntil *time.Time `json:"-" db:"claimed_until"`

	OpenedAt  *time.Time `json:"openedAt,omitempty" db:"opened_at"`
	ClickedAt *time.Time `json:"clickedAt,omitempty" db:"clicked_at"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" db:"updated_at"`
}

// AttemptTally is the raw count set the statistics aggregator works from.
type AttemptTally struct {
	Pending  int
	Sent     int
	Retrying int
	Failed   int

	// FailureKinds counts rows currently retrying or failed by last failure kind.
	FailureKinds map[FailureKind]int

	// Retried counts rows with AttemptCount > 0; RetriedSent is the subset
	// that reached sent.
	Retried     int
	RetriedSent int

	// TotalRetries is the sum of AttemptCount.
	TotalRetries int
}

// Total returns the number of rows in the tally.
func (t AttemptTally) Total() int {
	return t.Pending + t.Sent + t.Retrying + t.Failed
}

// EngagementKind enumerates recipient engagement events.
type EngagementKind string

const (
	EngagementOpen  EngagementKind = "opened"
	EngagementClick EngagementKind = "clicked"
)
