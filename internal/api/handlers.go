package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/httputil"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/service/delivery"
	"github.com/ignite/campaign-dispatch/internal/service/recipient"
	"github.com/ignite/campaign-dispatch/internal/service/stats"
	"github.com/ignite/campaign-dispatch/internal/worker"
)

// CampaignService is the campaign state machine as the handlers use it.
type CampaignService interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error)
	Create(ctx context.Context, input campaign.CreateInput) (*domain.Campaign, error)
	Update(ctx context.Context, id string, input campaign.UpdateInput) (*domain.Campaign, error)
	Delete(ctx context.Context, id string) error
	Run(ctx context.Context, id string, input campaign.RunInput) (*campaign.RunResult, error)
	Cancel(ctx context.Context, id string) (*campaign.CancelResult, error)
}

// StatsService computes campaign and global rollups.
type StatsService interface {
	Campaign(ctx context.Context, id string) (*stats.CampaignStats, error)
	Global(ctx context.Context) (*stats.GlobalStats, error)
}

// AttemptLister pages through a campaign's delivery attempts.
type AttemptLister interface {
	ListAttempts(ctx context.Context, campaignID string, f delivery.AttemptFilter) ([]domain.DeliveryAttempt, int, error)
}

// Scheduler is the admin surface of the retry scheduler.
type Scheduler interface {
	Status(ctx context.Context) worker.SchedulerStatus
	RetryNow(ctx context.Context) (*worker.RetryCycleResult, error)
	CheckScheduled(ctx context.Context) (int, error)
	RefreshCache(ctx context.Context) (int, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	campaigns CampaignService
	stats     StatsService
	attempts  AttemptLister
	scheduler Scheduler
}

// NewHandlers creates a new Handlers instance
func NewHandlers(campaigns CampaignService, st StatsService, attempts AttemptLister, scheduler Scheduler) *Handlers {
	return &Handlers{
		campaigns: campaigns,
		stats:     st,
		attempts:  attempts,
		scheduler: scheduler,
	}
}

// writeServiceError maps service-layer errors onto HTTP responses. Anything
// unrecognised is a 500 whose message is logged, not returned.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *campaign.ValidationError
	var rerr *recipient.ResolutionError

	switch {
	case errors.As(err, &verr):
		httputil.ErrorCode(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), verr.Fields)
	case errors.Is(err, campaign.ErrNotFound):
		httputil.ErrorCode(w, http.StatusNotFound, "NOT_FOUND", "campaign not found", nil)
	case errors.Is(err, campaign.ErrNotEditable):
		httputil.ErrorCode(w, http.StatusConflict, "NOT_EDITABLE", err.Error(), nil)
	case errors.Is(err, campaign.ErrNotDeletable):
		httputil.ErrorCode(w, http.StatusConflict, "NOT_DELETABLE", err.Error(), nil)
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.ErrorCode(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, campaign.ErrNoRecipients):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "NO_RECIPIENTS", err.Error(), nil)
	case errors.As(err, &rerr):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "RESOLUTION_ERROR", rerr.Error(), nil)
	default:
		httputil.InternalError(w, err)
	}
}
