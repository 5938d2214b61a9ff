// Package delivery defines the Email Tracking Store: the per-recipient,
// per-campaign DeliveryAttempt rows that are the single source of truth for
// dispatch progress and statistics.
//
// The dispatcher, retry scheduler, campaign state machine, and statistics
// aggregator all depend on Store. Implementations live in repository/postgres/
// and repository/memory/.
package delivery

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Sentinel errors for the tracking store.
var (
	ErrAttemptNotFound = errors.New("delivery attempt not found")
	// ErrLeaseLost means the row is no longer claimed by the caller, either
	// because the lease expired and another worker took it or because the row
	// already moved on.
	ErrLeaseLost = errors.New("delivery attempt lease lost")
)

// Store is the data access contract for delivery attempts.
// Implementations must be safe for concurrent use.
type Store interface {
	// BeginDispatch atomically moves the campaign from one of the from
	// statuses to running, sets totalRecipients, and inserts one pending row
	// per recipient. It returns false without side effects when the campaign
	// is no longer in a from status.
	BeginDispatch(ctx context.Context, campaignID string, from []domain.CampaignStatus, recipients []domain.ResolvedRecipient, now time.Time) (bool, error)

	// ClaimPending leases up to limit pending rows of running campaigns whose
	// lease is free or expired.
	ClaimPending(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]domain.DeliveryAttempt, error)

	// MarkSent records a successful send and increments the campaign's
	// sentCount in the same transaction.
	MarkSent(ctx context.Context, attemptID, workerID string, now time.Time) error

	// MarkRetrying records a retryable failure, increments attemptCount and
	// sets nextAttemptAt.
	MarkRetrying(ctx context.Context, attemptID, workerID string, f Failure, next, now time.Time) error

	// MarkFailed records a terminal failure.
	MarkFailed(ctx context.Context, attemptID, workerID string, f Failure, now time.Time) error

	// Release drops the caller's lease without touching the row's state.
	Release(ctx context.Context, attemptID, workerID string) error

	// DueRetryCampaigns lists running campaigns that have retrying rows whose
	// nextAttemptAt has elapsed.
	DueRetryCampaigns(ctx context.Context, now time.Time) ([]string, error)

	// RequeueDue flips due retrying rows of one campaign back to pending.
	// Rows whose attemptCount exceeds maxRetries are terminated instead.
	RequeueDue(ctx context.Context, campaignID string, now time.Time, maxRetries int) (RequeueResult, error)

	// OpenCount returns the number of pending or retrying rows of a campaign.
	OpenCount(ctx context.Context, campaignID string) (int, error)

	// QueueSize returns the number of pending or retrying rows of running
	// campaigns.
	QueueSize(ctx context.Context) (int, error)

	// Tally counts rows for one campaign, or for all campaigns when
	// campaignID is empty.
	Tally(ctx context.Context, campaignID string) (domain.AttemptTally, error)

	// ListAttempts pages through one campaign's rows ordered by creation.
	ListAttempts(ctx context.Context, campaignID string, f AttemptFilter) ([]domain.DeliveryAttempt, int, error)

	// RecordEngagement stamps the first open or click of a sent row and bumps
	// the campaign counter. It returns false when the event was already
	// recorded or the row was never sent.
	RecordEngagement(ctx context.Context, attemptID string, kind domain.EngagementKind, at time.Time) (bool, error)
}

// Failure is a classified send failure.
type Failure struct {
	Kind    domain.FailureKind
	Message string
}

// RequeueResult reports what a retry scan did for one campaign.
type RequeueResult struct {
	Requeued  int
	Exhausted int
}

// AttemptFilter controls pagination and filtering for attempt listings.
type AttemptFilter struct {
	State  domain.AttemptState
	Limit  int
	Offset int
}

// MaxErrorLength caps stored transport error messages.
const MaxErrorLength = 500

// TruncateError shortens msg to at most MaxErrorLength bytes of valid UTF-8.
// Invalid byte sequences become U+FFFD and the cut never splits a rune, since
// Postgres rejects text parameters that are not valid UTF-8.
func TruncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
