package campaign

import (
	"context"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the given filter, ordered by created_at DESC,
	// and the total number of matches.
	List(ctx context.Context, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign and returns its ID.
	Create(ctx context.Context, c *domain.Campaign) (string, error)

	// Update applies the non-nil fields while the campaign's status is one of
	// allowed. Returns ErrNotEditable if the status is not allowed.
	Update(ctx context.Context, id string, u UpdateFields, allowed []domain.CampaignStatus) error

	// Delete removes a campaign that never started. Returns ErrNotDeletable
	// otherwise.
	Delete(ctx context.Context, id string) error

	// Schedule moves a draft or scheduled campaign to scheduled at the given
	// instant. Returns ErrInvalidTransition for any other status.
	Schedule(ctx context.Context, id string, at time.Time) error

	// TransitionStatus moves the campaign to status to if it is currently in
	// one of from. It reports whether the row changed.
	TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, reason string, now time.Time) (bool, error)

	// ListDueScheduled returns scheduled campaigns whose scheduledAt is at or
	// before now, oldest first.
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)

	// ListByStatus returns all campaigns in the given status.
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)

	// Totals returns the cross-campaign rollup.
	Totals(ctx context.Context) (domain.CampaignTotals, error)
}

// DispatchStore is the part of the delivery store the state machine drives.
type DispatchStore interface {
	BeginDispatch(ctx context.Context, campaignID string, from []domain.CampaignStatus, recipients []domain.ResolvedRecipient, now time.Time) (bool, error)
	OpenCount(ctx context.Context, campaignID string) (int, error)
}

// RecipientResolver turns a targeting rule into a concrete recipient list.
type RecipientResolver interface {
	Resolve(ctx context.Context, rule domain.TargetRule, channel domain.CampaignType) ([]domain.ResolvedRecipient, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Type   string
	Search string
	Limit  int
	Offset int
}

// UpdateFields holds the mutable fields for a campaign update.
// Nil fields are not applied.
type UpdateFields struct {
	Name        *string
	Type        *domain.CampaignType
	Subject     *string
	Body        *string
	Target      *domain.TargetRule
	ScheduledAt *time.Time
	MaxRetries  *int
}

// IsEmpty reports whether no field is set.
func (u UpdateFields) IsEmpty() bool {
	return u.Name == nil && u.Type == nil && u.Subject == nil && u.Body == nil &&
		u.Target == nil && u.ScheduledAt == nil && u.MaxRetries == nil
}

// OnlyRetryPolicy reports whether the update touches nothing but maxRetries.
func (u UpdateFields) OnlyRetryPolicy() bool {
	return u.MaxRetries != nil && u.Name == nil && u.Type == nil && u.Subject == nil &&
		u.Body == nil && u.Target == nil && u.ScheduledAt == nil
}
