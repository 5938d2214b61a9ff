// Package memory provides an in-process implementation of the campaign
// repository, the delivery store, and the recipient directory. It backs unit
// tests and the database-less development mode of the server.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/service/delivery"
	"github.com/ignite/campaign-dispatch/internal/service/recipient"
)

// Store holds all state behind one mutex, so multi-table operations are
// atomic the same way a database transaction would make them.
type Store struct {
	mu sync.Mutex

	campaigns     map[string]*domain.Campaign
	campaignOrder []string

	attempts   map[string]*domain.DeliveryAttempt
	byCampaign map[string][]string // attempt ids in creation order

	recipients     map[string]*domain.Recipient
	recipientOrder []string
	recipientIndex map[string]int

	segments map[string]*domain.Segment
	members  map[string][]string
}

var (
	_ campaign.Repository = (*Store)(nil)
	_ delivery.Store      = (*Store)(nil)
	_ recipient.Directory = (*Store)(nil)
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		campaigns:      make(map[string]*domain.Campaign),
		attempts:       make(map[string]*domain.DeliveryAttempt),
		byCampaign:     make(map[string][]string),
		recipients:     make(map[string]*domain.Recipient),
		recipientIndex: make(map[string]int),
		segments:       make(map[string]*domain.Segment),
		members:        make(map[string][]string),
	}
}

// =============================================================================
// Campaign repository
// =============================================================================

// Get returns a copy of one campaign.
func (s *Store) Get(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return cloneCampaign(c), nil
}

// List returns campaigns newest first.
func (s *Store) List(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(strings.TrimSpace(f.Search))
	var out []domain.Campaign
	for i := len(s.campaignOrder) - 1; i >= 0; i-- {
		c := s.campaigns[s.campaignOrder[i]]
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		if f.Type != "" && string(c.Type) != f.Type {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Name), search) &&
			!strings.Contains(strings.ToLower(c.Subject), search) {
			continue
		}
		out = append(out, *cloneCampaign(c))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	total := len(out)
	if f.Offset >= len(out) {
		return []domain.Campaign{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

// Create stores a copy of c.
func (s *Store) Create(_ context.Context, c *domain.Campaign) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneCampaign(c)
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if _, exists := s.campaigns[cp.ID]; exists {
		return "", fmt.Errorf("campaign %s already exists", cp.ID)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
		cp.UpdatedAt = cp.CreatedAt
	}
	s.campaigns[cp.ID] = cp
	s.campaignOrder = append(s.campaignOrder, cp.ID)
	return cp.ID, nil
}

// Update applies the non-nil fields while the status is allowed.
func (s *Store) Update(_ context.Context, id string, u campaign.UpdateFields, allowed []domain.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if !statusIn(c.Status, allowed) {
		return campaign.ErrNotEditable
	}
	if u.Name != nil {
		c.Name = *u.Name
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
		c.Target = cloneTarget(*u.Target)
	}
	if u.ScheduledAt != nil {
		at := *u.ScheduledAt
		c.ScheduledAt = &at
	}
	if u.MaxRetries != nil {
		n := *u.MaxRetries
		c.MaxRetries = &n
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes a campaign that never started.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if !c.IsEditable() || len(s.byCampaign[id]) > 0 {
		return campaign.ErrNotDeletable
	}
	delete(s.campaigns, id)
	for i, cid := range s.campaignOrder {
		if cid == id {
			s.campaignOrder = append(s.campaignOrder[:i], s.campaignOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Schedule moves a draft or scheduled campaign to scheduled.
func (s *Store) Schedule(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if !domain.CanTransition(c.Status, domain.CampaignScheduled) {
		return campaign.ErrInvalidTransition
	}
	c.Status = domain.CampaignScheduled
	c.ScheduledAt = &at
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// TransitionStatus is a compare-and-set on the campaign status.
func (s *Store) TransitionStatus(_ context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if !statusIn(c.Status, from) {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = now
	if to.IsTerminal() {
		c.CompletedAt = &now
	}
	if reason != "" {
		c.FailureReason = reason
	}
	return true, nil
}

// ListDueScheduled returns overdue scheduled campaigns, oldest schedule first.
func (s *Store) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, id := range s.campaignOrder {
		c := s.campaigns[id]
		if c.Status == domain.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, *cloneCampaign(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByStatus returns campaigns in one status in creation order.
func (s *Store) ListByStatus(_ context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, id := range s.campaignOrder {
		if c := s.campaigns[id]; c.Status == status {
			out = append(out, *cloneCampaign(c))
		}
	}
	return out, nil
}

// Totals computes the cross-campaign rollup.
func (s *Store) Totals(_ context.Context) (domain.CampaignTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := domain.CampaignTotals{ByStatus: make(map[domain.CampaignStatus]int, len(domain.CampaignStatuses))}
	for _, st := range domain.CampaignStatuses {
		t.ByStatus[st] = 0
	}
	var openSum, clickSum float64
	var withSends int
	for _, c := range s.campaigns {
		t.Campaigns++
		t.ByStatus[c.Status]++
		t.TotalRecipients += c.TotalRecipients
		t.SentCount += c.SentCount
		t.OpenedCount += c.OpenedCount
		t.ClickedCount += c.ClickedCount
		if c.SentCount > 0 {
			withSends++
			openSum += float64(c.OpenedCount) / float64(c.SentCount)
			clickSum += float64(c.ClickedCount) / float64(c.SentCount)
		}
	}
	if withSends > 0 {
		t.AverageOpenRate = openSum / float64(withSends)
		t.AverageClickRate = clickSum / float64(withSends)
	}
	return t, nil
}

// =============================================================================
// Delivery store
// =============================================================================

// BeginDispatch starts a campaign and creates its pending rows.
func (s *Store) BeginDispatch(_ context.Context, campaignID string, from []domain.CampaignStatus, recipients []domain.ResolvedRecipient, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if !statusIn(c.Status, from) {
		return false, nil
	}

	existing := make(map[string]bool, len(s.byCampaign[campaignID]))
	for _, aid := range s.byCampaign[campaignID] {
		existing[s.attempts[aid].RecipientID] = true
	}
	for _, r := range recipients {
		if existing[r.RecipientID] {
			continue
		}
		existing[r.RecipientID] = true
		a := &domain.DeliveryAttempt{
			ID:            uuid.New().String(),
			CampaignID:    campaignID,
			RecipientID:   r.RecipientID,
			RecipientName: r.Name,
			Address:       r.Address,
			State:         domain.AttemptPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.attempts[a.ID] = a
		s.byCampaign[campaignID] = append(s.byCampaign[campaignID], a.ID)
	}

	c.Status = domain.CampaignRunning
	c.TotalRecipients = len(s.byCampaign[campaignID])
	c.StartedAt = &now
	c.UpdatedAt = now
	return true, nil
}

// ClaimPending leases pending rows of running campaigns.
func (s *Store) ClaimPending(_ context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := now.Add(lease)
	var out []domain.DeliveryAttempt
	for _, cid := range s.campaignOrder {
		if s.campaigns[cid].Status != domain.CampaignRunning {
			continue
		}
		for _, aid := range s.byCampaign[cid] {
			if len(out) >= limit {
				return out, nil
			}
			a := s.attempts[aid]
			if a.State != domain.AttemptPending {
				continue
			}
			if a.ClaimedUntil != nil && a.ClaimedUntil.After(now) {
				continue
			}
			a.ClaimedBy = workerID
			u := until
			a.ClaimedUntil = &u
			a.UpdatedAt = now
			out = append(out, *cloneAttempt(a))
		}
	}
	return out, nil
}

func (s *Store) ownedPending(attemptID, workerID string) (*domain.DeliveryAttempt, error) {
	a, ok := s.attempts[attemptID]
	if !ok {
		return nil, delivery.ErrAttemptNotFound
	}
	if a.State != domain.AttemptPending || a.ClaimedBy != workerID {
		return nil, delivery.ErrLeaseLost
	}
	return a, nil
}

// MarkSent records a successful send and bumps the campaign's sentCount.
func (s *Store) MarkSent(_ context.Context, attemptID, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.ownedPending(attemptID, workerID)
	if err != nil {
		return err
	}
	a.State = domain.AttemptSent
	a.NextAttemptAt = nil
	a.LastAttemptAt = &now
	a.UpdatedAt = now
	clearLease(a)
	if c := s.campaigns[a.CampaignID]; c != nil && c.SentCount < c.TotalRecipients {
		c.SentCount++
		c.UpdatedAt = now
	}
	return nil
}

// MarkRetrying records a retryable failure.
func (s *Store) MarkRetrying(_ context.Context, attemptID, workerID string, f delivery.Failure, next, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.ownedPending(attemptID, workerID)
	if err != nil {
		return err
	}
	kind := f.Kind
	a.State = domain.AttemptRetrying
	a.AttemptCount++
	a.LastFailureKind = &kind
	a.LastError = delivery.TruncateError(f.Message)
	a.NextAttemptAt = &next
	a.LastAttemptAt = &now
	a.UpdatedAt = now
	clearLease(a)
	return nil
}

// MarkFailed records a terminal failure.
func (s *Store) MarkFailed(_ context.Context, attemptID, workerID string, f delivery.Failure, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.ownedPending(attemptID, workerID)
	if err != nil {
		return err
	}
	kind := f.Kind
	a.State = domain.AttemptFailed
	a.LastFailureKind = &kind
	a.LastError = delivery.TruncateError(f.Message)
	a.NextAttemptAt = nil
	a.LastAttemptAt = &now
	a.UpdatedAt = now
	clearLease(a)
	return nil
}

// Release drops the caller's lease.
func (s *Store) Release(_ context.Context, attemptID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return delivery.ErrAttemptNotFound
	}
	if a.ClaimedBy != workerID {
		return delivery.ErrLeaseLost
	}
	clearLease(a)
	return nil
}

// DueRetryCampaigns lists running campaigns with due retrying rows.
func (s *Store) DueRetryCampaigns(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, cid := range s.campaignOrder {
		if s.campaigns[cid].Status != domain.CampaignRunning {
			continue
		}
		for _, aid := range s.byCampaign[cid] {
			if isDue(s.attempts[aid], now) {
				out = append(out, cid)
				break
			}
		}
	}
	return out, nil
}

// RequeueDue flips one campaign's due retrying rows back to pending.
func (s *Store) RequeueDue(_ context.Context, campaignID string, now time.Time, maxRetries int) (delivery.RequeueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res delivery.RequeueResult
	c, ok := s.campaigns[campaignID]
	if !ok || c.Status != domain.CampaignRunning {
		return res, nil
	}
	for _, aid := range s.byCampaign[campaignID] {
		a := s.attempts[aid]
		if !isDue(a, now) {
			continue
		}
		if a.AttemptCount > maxRetries {
			a.State = domain.AttemptFailed
			res.Exhausted++
		} else {
			a.State = domain.AttemptPending
			res.Requeued++
		}
		a.NextAttemptAt = nil
		a.UpdatedAt = now
	}
	return res, nil
}

// OpenCount counts pending and retrying rows of a campaign.
func (s *Store) OpenCount(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, aid := range s.byCampaign[campaignID] {
		if st := s.attempts[aid].State; st == domain.AttemptPending || st == domain.AttemptRetrying {
			n++
		}
	}
	return n, nil
}

// QueueSize counts pending and retrying rows of running campaigns.
func (s *Store) QueueSize(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for cid, c := range s.campaigns {
		if c.Status != domain.CampaignRunning {
			continue
		}
		for _, aid := range s.byCampaign[cid] {
			if st := s.attempts[aid].State; st == domain.AttemptPending || st == domain.AttemptRetrying {
				n++
			}
		}
	}
	return n, nil
}

// Tally counts rows for one campaign or, with an empty id, all campaigns.
func (s *Store) Tally(_ context.Context, campaignID string) (domain.AttemptTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := domain.AttemptTally{FailureKinds: domain.NewFailureBreakdown()}
	visit := func(a *domain.DeliveryAttempt) {
		switch a.State {
		case domain.AttemptPending:
			t.Pending++
		case domain.AttemptSent:
			t.Sent++
		case domain.AttemptRetrying:
			t.Retrying++
		case domain.AttemptFailed:
			t.Failed++
		}
		if (a.State == domain.AttemptRetrying || a.State == domain.AttemptFailed) && a.LastFailureKind != nil {
			t.FailureKinds[*a.LastFailureKind]++
		}
		if a.AttemptCount > 0 {
			t.Retried++
			t.TotalRetries += a.AttemptCount
			if a.State == domain.AttemptSent {
				t.RetriedSent++
			}
		}
	}
	if campaignID != "" {
		for _, aid := range s.byCampaign[campaignID] {
			visit(s.attempts[aid])
		}
		return t, nil
	}
	for _, a := range s.attempts {
		visit(a)
	}
	return t, nil
}

// ListAttempts pages through a campaign's rows in creation order.
func (s *Store) ListAttempts(_ context.Context, campaignID string, f delivery.AttemptFilter) ([]domain.DeliveryAttempt, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, aid := range s.byCampaign[campaignID] {
		a := s.attempts[aid]
		if f.State != "" && a.State != f.State {
			continue
		}
		out = append(out, *cloneAttempt(a))
	}
	total := len(out)
	if f.Offset >= len(out) {
		return []domain.DeliveryAttempt{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

// RecordEngagement stamps the first open or click of a sent row.
func (s *Store) RecordEngagement(_ context.Context, attemptID string, kind domain.EngagementKind, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return false, delivery.ErrAttemptNotFound
	}
	if a.State != domain.AttemptSent {
		return false, nil
	}
	c := s.campaigns[a.CampaignID]
	switch kind {
	case domain.EngagementOpen:
		if a.OpenedAt != nil {
			return false, nil
		}
		a.OpenedAt = &at
		if c != nil && c.OpenedCount < c.SentCount {
			c.OpenedCount++
		}
	case domain.EngagementClick:
		if a.ClickedAt != nil {
			return false, nil
		}
		a.ClickedAt = &at
		if c != nil && c.ClickedCount < c.SentCount {
			c.ClickedCount++
		}
	default:
		return false, fmt.Errorf("unknown engagement kind %q", kind)
	}
	return true, nil
}

// =============================================================================
// Recipient directory
// =============================================================================

// All returns non-deleted recipients in creation order.
func (s *Store) All(_ context.Context) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Recipient, 0, len(s.recipientOrder))
	for _, id := range s.recipientOrder {
		if r := s.recipients[id]; r.DeletedAt == nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Segment returns a segment's non-deleted members in creation order.
func (s *Store) Segment(_ context.Context, segmentID string) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentID]
	if !ok || seg.DeletedAt != nil {
		return nil, recipient.ErrSegmentNotFound
	}
	ids := append([]string(nil), s.members[segmentID]...)
	sort.SliceStable(ids, func(i, j int) bool { return s.recipientIndex[ids[i]] < s.recipientIndex[ids[j]] })
	out := make([]domain.Recipient, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.recipients[id]; ok && r.DeletedAt == nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// ByIDs returns the non-deleted recipients with the given ids.
func (s *Store) ByIDs(_ context.Context, ids []string) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Recipient, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.recipients[id]; ok && r.DeletedAt == nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// AddRecipient seeds the directory and returns the recipient id.
func (s *Store) AddRecipient(r domain.Recipient) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.recipients[r.ID]; !exists {
		s.recipientIndex[r.ID] = len(s.recipientOrder)
		s.recipientOrder = append(s.recipientOrder, r.ID)
	}
	s.recipients[r.ID] = &r
	return r.ID
}

// AddSegment seeds a segment with the given members.
func (s *Store) AddSegment(id, name string, memberIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[id] = &domain.Segment{ID: id, Name: name}
	s.members[id] = append([]string(nil), memberIDs...)
}

// DeleteSegment soft-deletes a segment.
func (s *Store) DeleteSegment(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg, ok := s.segments[id]; ok {
		now := time.Now().UTC()
		seg.DeletedAt = &now
	}
}

// Attempts returns copies of a campaign's rows in creation order.
func (s *Store) Attempts(campaignID string) []domain.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryAttempt, 0, len(s.byCampaign[campaignID]))
	for _, aid := range s.byCampaign[campaignID] {
		out = append(out, *cloneAttempt(s.attempts[aid]))
	}
	return out
}

// =============================================================================
// helpers
// =============================================================================

func isDue(a *domain.DeliveryAttempt, now time.Time) bool {
	return a.State == domain.AttemptRetrying && a.NextAttemptAt != nil && !a.NextAttemptAt.After(now)
}

func clearLease(a *domain.DeliveryAttempt) {
	a.ClaimedBy = ""
	a.ClaimedUntil = nil
}

func statusIn(st domain.CampaignStatus, set []domain.CampaignStatus) bool {
	for _, v := range set {
		if st == v {
			return true
		}
	}
	return false
}

func cloneTarget(t domain.TargetRule) domain.TargetRule {
	t.RecipientIDs = append([]string(nil), t.RecipientIDs...)
	return t
}

func cloneCampaign(c *domain.Campaign) *domain.Campaign {
	cp := *c
	cp.Target = cloneTarget(c.Target)
	cp.ScheduledAt = cloneTime(c.ScheduledAt)
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.CompletedAt = cloneTime(c.CompletedAt)
	if c.MaxRetries != nil {
		n := *c.MaxRetries
		cp.MaxRetries = &n
	}
	return &cp
}

func cloneAttempt(a *domain.DeliveryAttempt) *domain.DeliveryAttempt {
	cp := *a
	if a.LastFailureKind != nil {
		k := *a.LastFailureKind
		cp.LastFailureKind = &k
	}
	cp.NextAttemptAt = cloneTime(a.NextAttemptAt)
	cp.LastAttemptAt = cloneTime(a.LastAttemptAt)
	cp.ClaimedUntil = cloneTime(a.ClaimedUntil)
	cp.OpenedAt = cloneTime(a.OpenedAt)
	cp.ClickedAt = cloneTime(a.ClickedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
