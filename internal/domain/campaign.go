package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// CampaignStatuses lists every status in lifecycle order.
var CampaignStatuses = []CampaignStatus{
	CampaignDraft, CampaignScheduled, CampaignRunning,
	CampaignCompleted, CampaignFailed, CampaignCancelled,
}

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	for _, v := range CampaignStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed, failed and cancelled.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignCancelled
}

// campaignTransitions is the full set of allowed lifecycle edges.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignRunning},
	CampaignScheduled: {CampaignScheduled, CampaignRunning},
	CampaignRunning:   {CampaignCompleted, CampaignFailed, CampaignCancelled},
}

// CanTransition reports whether a campaign may move from one status to another.
// Nothing ever moves back to draft and terminal states have no exits.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CampaignType identifies the delivery channel of a campaign.
type CampaignType string

const (
	CampaignTypeEmail CampaignType = "email"
	CampaignTypeSMS   CampaignType = "sms"
	CampaignTypePush  CampaignType = "push"
)

// Valid reports whether t is a known campaign type.
func (t CampaignType) Valid() bool {
	return t == CampaignTypeEmail || t == CampaignTypeSMS || t == CampaignTypePush
}

// TargetKind selects how a campaign's recipients are resolved.
type TargetKind string

const (
	TargetAll     TargetKind = "all"
	TargetSegment TargetKind = "segment"
	TargetIDs     TargetKind = "ids"
)

// TargetRule is a campaign's recipient targeting rule.
type TargetRule struct {
	Kind         TargetKind `json:"kind" db:"target_kind"`
	SegmentID    string     `json:"segmentId,omitempty" db:"target_segment_id"`
	RecipientIDs []string   `json:"recipientIds,omitempty" db:"target_recipient_ids"`
}

// Campaign is a bulk messaging job with a targeting rule, a channel and a
// lifecycle status.
type Campaign struct {
	ID     string         `json:"id" db:"id"`
	Name   string         `json:"name" db:"name"`
	Type   CampaignType   `json:"type" db:"type"`
	Status CampaignStatus `json:"status" db:"status"`

	Subject string     `json:"subject" db:"subject"`
	Body    string     `json:"body" db:"body"`
	Target  TargetRule `json:"target"`

	// Counters. SentCount never exceeds TotalRecipients; opened and clicked
	// never exceed SentCount.
	TotalRecipients int `json:"totalRecipients" db:"total_recipients"`
	SentCount       int `json:"sentCount" db:"sent_count"`
	OpenedCount     int `json:"openedCount" db:"opened_count"`
	ClickedCount    int `json:"clickedCount" db:"clicked_count"`

	ScheduledAt   *time.Time `json:"scheduledAt" db:"scheduled_at"`
	MaxRetries    *int       `json:"maxRetries" db:"max_retries"`
	FailureReason string     `json:"failureReason,omitempty" db:"failure_reason"`

	StartedAt   *time.Time `json:"startedAt" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt" db:"completed_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// IsEditable returns true while the campaign definition may still change.
func (c *Campaign) IsEditable() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}

// EffectiveMaxRetries returns the per-campaign retry ceiling, or def when
// the campaign does not override it.
func (c *Campaign) EffectiveMaxRetries(def int) int {
	if c.MaxRetries != nil && *c.MaxRetries >= 0 {
		return *c.MaxRetries
	}
	return def
}

// CampaignTotals is a cross-campaign rollup read by the statistics layer.
type CampaignTotals struct {
	Campaigns        int                    `json:"campaigns"`
	ByStatus         map[CampaignStatus]int `json:"byStatus"`
	TotalRecipients  int                    `json:"totalRecipients"`
	SentCount        int                    `json:"sentCount"`
	OpenedCount      int                    `json:"openedCount"`
	ClickedCount     int                    `json:"clickedCount"`
	AverageOpenRate  float64                `json:"averageOpenRate"`
	AverageClickRate float64                `json:"averageClickRate"`
}
