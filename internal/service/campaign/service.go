package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/pkg/metrics"
)

// dueScheduledBatch caps how many overdue scheduled campaigns one pass starts.
const dueScheduledBatch = 100

// Service implements the campaign state machine. It coordinates the campaign
// repository, the recipient resolver, and the delivery store.
// All public methods are safe for concurrent use if the underlying
// repositories are concurrency-safe.
type Service struct {
	repo     Repository
	store    DispatchStore
	resolver RecipientResolver
	clock    clock.Clock
	validate *validator.Validate
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates a campaign service.
func NewService(repo Repository, store DispatchStore, resolver RecipientResolver, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		store:    store,
		resolver: resolver,
		clock:    clock.Real{},
		validate: newValidator(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunResult is returned by Run.
type RunResult struct {
	Campaign *domain.Campaign `json:"campaign"`
	// AlreadyRunning is set when the run request was a duplicate.
	AlreadyRunning bool `json:"alreadyRunning"`
	// Recipients is the number of attempts created when the run started
	// dispatch.
	Recipients int `json:"recipients"`
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Campaign *domain.Campaign `json:"campaign"`
	// Cancelled is false when the campaign was not running.
	Cancelled bool `json:"cancelled"`
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, f)
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Campaign, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := toValidationError(s.validate.Struct(&input)); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if input.ScheduledAt != nil && !input.ScheduledAt.After(now) {
		return nil, newValidationError("scheduledAt", "must be in the future")
	}

	c := &domain.Campaign{
		ID:          uuid.New().String(),
		Name:        input.Name,
		Type:        input.Type,
		Status:      domain.CampaignDraft,
		Subject:     input.Subject,
		Body:        input.Body,
		Target:      normalizeTarget(input.Target),
		ScheduledAt: input.ScheduledAt,
		MaxRetries:  input.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	id, err := s.repo.Create(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	c.ID = id
	logger.Info("campaign created", "campaign_id", c.ID, "type", c.Type)
	return c, nil
}

// Update modifies a campaign definition. Any field may change while the
// campaign is draft or scheduled; a running campaign accepts only a new
// maxRetries.
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (*domain.Campaign, error) {
	if err := toValidationError(s.validate.Struct(&input)); err != nil {
		return nil, err
	}
	u := input.fields()
	if u.IsEmpty() {
		return nil, newValidationError("request", "no fields to update")
	}

	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled}
	if u.OnlyRetryPolicy() {
		allowed = append(allowed, domain.CampaignRunning)
	}
	if !statusIn(c.Status, allowed) {
		return nil, fmt.Errorf("%w: campaign is %s", ErrNotEditable, c.Status)
	}

	merged := applyUpdate(*c, u)
	if err := s.validateMerged(merged); err != nil {
		return nil, err
	}
	if u.ScheduledAt != nil && !u.ScheduledAt.After(s.clock.Now()) {
		return nil, newValidationError("scheduledAt", "must be in the future")
	}
	if u.Target != nil {
		t := normalizeTarget(*u.Target)
		u.Target = &t
	}

	if err := s.repo.Update(ctx, id, u, allowed); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// Delete removes a campaign that never started. Campaigns that have delivery
// attempts are kept for their history.
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !c.IsEditable() {
		return fmt.Errorf("%w: campaign is %s", ErrNotDeletable, c.Status)
	}
	return s.repo.Delete(ctx, id)
}

// Run starts or schedules a campaign.
//
// A future schedule (from the request, or the stored one for a draft) moves
// the campaign to scheduled. Otherwise recipients are resolved and dispatch
// starts immediately. Running an already-running campaign returns its current
// state with AlreadyRunning set.
func (s *Service) Run(ctx context.Context, id string, input RunInput) (*RunResult, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case domain.CampaignRunning:
		return &RunResult{Campaign: c, AlreadyRunning: true}, nil
	case domain.CampaignCompleted, domain.CampaignFailed, domain.CampaignCancelled:
		return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
	}

	now := s.clock.Now()
	at := input.ScheduledAt
	if at == nil && c.Status == domain.CampaignDraft {
		at = c.ScheduledAt
	}

	if at != nil && at.After(now) {
		if err := s.repo.Schedule(ctx, id, *at); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return s.currentRunState(ctx, id)
			}
			return nil, fmt.Errorf("schedule campaign: %w", err)
		}
		metrics.RecordTransition(string(domain.CampaignScheduled))
		logger.Info("campaign scheduled", "campaign_id", id, "scheduled_at", at.Format(time.RFC3339))
		c, err = s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &RunResult{Campaign: c}, nil
	}

	return s.start(ctx, c, now)
}

// Cancel stops a running campaign. Pending and retrying rows are left as
// they are; the dispatcher and scheduler only work on running campaigns, so
// they are never claimed again. Cancelling a campaign that is not running is
// a no-op that returns its current state.
func (s *Service) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignRunning {
		return &CancelResult{Campaign: c}, nil
	}

	changed, err := s.repo.TransitionStatus(ctx, id,
		[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignCancelled, "", s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("cancel campaign: %w", err)
	}
	if changed {
		metrics.RecordTransition(string(domain.CampaignCancelled))
		logger.Info("campaign cancelled", "campaign_id", id)
	}

	c, err = s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CancelResult{Campaign: c, Cancelled: changed}, nil
}

// StartDue starts every scheduled campaign whose scheduledAt has elapsed,
// including ones that missed their window while no scheduler was running.
// Campaigns that cannot start stay scheduled and are retried on the next
// pass. Returns the number started.
func (s *Service) StartDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.ListDueScheduled(ctx, now, dueScheduledBatch)
	if err != nil {
		return 0, fmt.Errorf("list due scheduled: %w", err)
	}

	started := 0
	for i := range due {
		c := &due[i]
		res, err := s.start(ctx, c, now)
		if err != nil {
			logger.Warn("scheduled campaign did not start", "campaign_id", c.ID, "error", err)
			continue
		}
		if !res.AlreadyRunning {
			started++
		}
	}
	return started, nil
}

// CheckCompletion completes a running campaign once none of its attempts are
// pending or retrying. It reports whether the campaign was completed.
func (s *Service) CheckCompletion(ctx context.Context, id string) (bool, error) {
	open, err := s.store.OpenCount(ctx, id)
	if err != nil {
		return false, fmt.Errorf("count open attempts: %w", err)
	}
	if open > 0 {
		return false, nil
	}
	changed, err := s.repo.TransitionStatus(ctx, id,
		[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignCompleted, "", s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}
	if changed {
		metrics.RecordTransition(string(domain.CampaignCompleted))
		logger.Info("campaign completed", "campaign_id", id)
	}
	return changed, nil
}

// Fail moves a running campaign to failed. Reserved for dispatcher-level
// faults; per-message failures never call this.
func (s *Service) Fail(ctx context.Context, id, reason string) (bool, error) {
	changed, err := s.repo.TransitionStatus(ctx, id,
		[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignFailed, reason, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("fail campaign: %w", err)
	}
	if changed {
		metrics.RecordTransition(string(domain.CampaignFailed))
		log.Printf("[campaign.Service] Campaign %s failed: %s", id, reason)
	}
	return changed, nil
}

// start resolves recipients and begins dispatch. The campaign keeps its
// current status when resolution fails or yields nobody.
func (s *Service) start(ctx context.Context, c *domain.Campaign, now time.Time) (*RunResult, error) {
	recipients, err := s.resolver.Resolve(ctx, c.Target, c.Type)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	from := []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled}
	ok, err := s.store.BeginDispatch(ctx, c.ID, from, recipients, now)
	if err != nil {
		return nil, fmt.Errorf("begin dispatch: %w", err)
	}
	if !ok {
		return s.currentRunState(ctx, c.ID)
	}

	metrics.RecordTransition(string(domain.CampaignRunning))
	log.Printf("[campaign.Service] Campaign %s: dispatch started for %d recipients", c.ID, len(recipients))

	cur, err := s.repo.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &RunResult{Campaign: cur, Recipients: len(recipients)}, nil
}

// currentRunState answers a run request that lost a race to another starter.
func (s *Service) currentRunState(ctx context.Context, id string) (*RunResult, error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == domain.CampaignRunning {
		return &RunResult{Campaign: cur, AlreadyRunning: true}, nil
	}
	return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, cur.Status)
}

func (s *Service) validateMerged(c domain.Campaign) error {
	in := CreateInput{
		Name:       c.Name,
		Type:       c.Type,
		Subject:    c.Subject,
		Body:       c.Body,
		Target:     c.Target,
		MaxRetries: c.MaxRetries,
	}
	return toValidationError(s.validate.Struct(&in))
}

func applyUpdate(c domain.Campaign, u UpdateFields) domain.Campaign {
	if u.Name != nil {
		c.Name = strings.TrimSpace(*u.Name)
	}
	if u.Type != nil {
		c.Type = *u.Type
	}
	if u.Subject != nil {
		c.Subject = *u.Subject
	}
	if u.Body != nil {
		c.Body = *u.Body
	}
	if u.Target != nil {
		c.Target = *u.Target
	}
	if u.ScheduledAt != nil {
		c.ScheduledAt = u.ScheduledAt
	}
	if u.MaxRetries != nil {
		c.MaxRetries = u.MaxRetries
	}
	return c
}

// normalizeTarget drops fields that do not apply to the rule's kind.
func normalizeTarget(t domain.TargetRule) domain.TargetRule {
	switch t.Kind {
	case domain.TargetAll:
		return domain.TargetRule{Kind: domain.TargetAll}
	case domain.TargetSegment:
		return domain.TargetRule{Kind: domain.TargetSegment, SegmentID: strings.TrimSpace(t.SegmentID)}
	}
	return domain.TargetRule{Kind: t.Kind, RecipientIDs: t.RecipientIDs}
}

func statusIn(s domain.CampaignStatus, set []domain.CampaignStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
