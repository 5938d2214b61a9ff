package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/pkg/metrics"
	"github.com/ignite/campaign-dispatch/internal/service/delivery"
	"github.com/ignite/campaign-dispatch/internal/service/sending"
)

// =============================================================================
// CAMPAIGN DISPATCHER
// =============================================================================
// Claims pending delivery attempts of running campaigns, sends them through
// the channel transport, and records the outcome in the tracking store. It
// holds no campaign state between cycles: a crashed dispatcher leaves its
// rows pending and their leases expire, so another worker picks them up.

const (
	DefaultDispatchBatchSize   = 100
	DefaultDispatchConcurrency = 10
	DefaultLeaseDuration       = 2 * time.Minute
	DefaultSendTimeout         = 30 * time.Second
	DefaultDispatchPoll        = time.Second

	// storeWriteTimeout bounds outcome writes that run after shutdown began.
	storeWriteTimeout = 10 * time.Second
)

// CampaignLifecycle is the slice of the campaign service the dispatcher needs.
type CampaignLifecycle interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	CheckCompletion(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, reason string) (bool, error)
}

// DispatcherConfig tunes one dispatcher.
type DispatcherConfig struct {
	WorkerID          string
	BatchSize         int
	Concurrency       int
	Lease             time.Duration
	SendTimeout       time.Duration
	PollInterval      time.Duration
	BaseDelay         time.Duration
	DefaultMaxRetries int
}

func (c *DispatcherConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = fmt.Sprintf("dispatcher-%s", uuid.New().String()[:8])
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultDispatchBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultDispatchConcurrency
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLeaseDuration
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultDispatchPoll
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = DefaultMaxRetries
	}
}

// CycleResult summarises one dispatch cycle.
type CycleResult struct {
	Claimed         int
	Sent            int
	Retrying        int
	Failed          int
	Released        int
	Completed       []string
	FailedCampaigns []string
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetrying
	outcomeFailed
	outcomeReleased
	outcomeUnavailable
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeRetrying:
		return "retrying"
	case outcomeFailed:
		return "failed"
	case outcomeUnavailable:
		return "unavailable"
	}
	return "released"
}

// Dispatcher sends claimed delivery attempts.
type Dispatcher struct {
	cfg        DispatcherConfig
	store      delivery.Store
	campaigns  CampaignLifecycle
	transports sending.Transports
	renderer   sending.Renderer
	tracker    sending.TrackingInjector
	clock      clock.Clock

	totalSent     int64
	totalRetrying int64
	totalFailed   int64
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRenderer personalises messages before sending.
func WithRenderer(r sending.Renderer) DispatcherOption {
	return func(d *Dispatcher) { d.renderer = r }
}

// WithTracking injects open and click tracking into email bodies.
func WithTracking(t sending.TrackingInjector) DispatcherOption {
	return func(d *Dispatcher) { d.tracker = t }
}

// WithDispatcherClock replaces the wall clock.
func WithDispatcherClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, store delivery.Store, campaigns CampaignLifecycle, transports sending.Transports, opts ...DispatcherOption) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		cfg:        cfg,
		store:      store,
		campaigns:  campaigns,
		transports: transports,
		clock:      clock.Real{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// WorkerID returns the lease owner name of this dispatcher.
func (d *Dispatcher) WorkerID() string { return d.cfg.WorkerID }

// Start runs dispatch cycles until ctx is cancelled. An empty cycle waits one
// poll interval; a full one loops straight away.
func (d *Dispatcher) Start(ctx context.Context) {
	log.Printf("[Dispatcher] %s starting (batch=%d, concurrency=%d, lease=%s)",
		d.cfg.WorkerID, d.cfg.BatchSize, d.cfg.Concurrency, d.cfg.Lease)

	for {
		res, err := d.RunCycle(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				logger.Error("dispatch cycle failed", "worker_id", d.cfg.WorkerID, "error", err)
			}
			wait = d.cfg.PollInterval
		case res.Claimed == 0:
			wait = d.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			log.Printf("[Dispatcher] %s stopped. Sent: %d, retrying: %d, failed: %d", d.cfg.WorkerID,
				atomic.LoadInt64(&d.totalSent), atomic.LoadInt64(&d.totalRetrying), atomic.LoadInt64(&d.totalFailed))
			return
		case <-time.After(wait):
		}
	}
}

// Stats returns lifetime counters.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":     atomic.LoadInt64(&d.totalSent),
		"total_retrying": atomic.LoadInt64(&d.totalRetrying),
		"total_failed":   atomic.LoadInt64(&d.totalFailed),
	}
}

// campaignBatch is the claimed work for one campaign within a cycle.
type campaignBatch struct {
	campaign  *domain.Campaign
	transport sending.Transport
	attempts  []domain.DeliveryAttempt

	unavailable int32
	lastErr     atomic.Value // string
}

// RunCycle claims one batch and processes it.
func (d *Dispatcher) RunCycle(ctx context.Context) (*CycleResult, error) {
	claimed, err := d.store.ClaimPending(ctx, d.cfg.WorkerID, d.cfg.BatchSize, d.cfg.Lease, d.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	res := &CycleResult{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return res, nil
	}

	order, batches := groupByCampaign(claimed)
	var mu sync.Mutex
	tally := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeSent:
			res.Sent++
		case outcomeRetrying:
			res.Retrying++
		case outcomeFailed:
			res.Failed++
		default:
			res.Released++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	for _, id := range order {
		b := batches[id]
		if err := d.prepareBatch(ctx, id, b); err != nil {
			d.releaseAll(ctx, b.attempts)
			res.Released += len(b.attempts)
			if errors.Is(err, sending.ErrTransportUnavailable) {
				res.FailedCampaigns = append(res.FailedCampaigns, id)
			}
			continue
		}
		for i := range b.attempts {
			a := b.attempts[i]
			g.Go(func() error {
				tally(d.process(gctx, b, &a))
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, id := range order {
		b := batches[id]
		if b.campaign == nil || b.transport == nil {
			continue
		}
		if int(atomic.LoadInt32(&b.unavailable)) == len(b.attempts) {
			reason, _ := b.lastErr.Load().(string)
			d.failCampaign(ctx, id, "transport unavailable: "+reason)
			res.FailedCampaigns = append(res.FailedCampaigns, id)
			continue
		}
		completed, err := d.campaigns.CheckCompletion(ctx, id)
		if err != nil {
			logger.Warn("completion check failed", "campaign_id", id, "error", err)
			continue
		}
		if completed {
			res.Completed = append(res.Completed, id)
		}
	}
	return res, nil
}

// prepareBatch loads the campaign and picks its transport. A campaign whose
// channel has no transport is failed here.
func (d *Dispatcher) prepareBatch(ctx context.Context, id string, b *campaignBatch) error {
	c, err := d.campaigns.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load campaign %s: %w", id, err)
	}
	t := d.transports.For(c.Type)
	if t == nil {
		d.failCampaign(ctx, id, fmt.Sprintf("no transport configured for %s", c.Type))
		return sending.ErrTransportUnavailable
	}
	b.campaign = c
	b.transport = t
	return nil
}

// process sends one attempt and records the outcome. Once a send starts it
// runs to completion even if ctx is cancelled, so delivery state is never
// left ambiguous.
func (d *Dispatcher) process(ctx context.Context, b *campaignBatch, a *domain.DeliveryAttempt) outcome {
	if ctx.Err() != nil {
		d.release(a)
		return outcomeReleased
	}
	c := b.campaign
	bg := context.WithoutCancel(ctx)

	subject, body := c.Subject, c.Body
	if d.renderer != nil {
		var err error
		subject, body, err = d.renderer.Render(c, a)
		if err != nil {
			return d.recordFailure(bg, c, a, fmt.Errorf("render: %w", err))
		}
	}
	if c.Type == domain.CampaignTypeEmail && d.tracker != nil {
		body = d.tracker.InjectTracking(body, a)
	}

	msg := &domain.Message{
		AttemptID:   a.ID,
		CampaignID:  c.ID,
		RecipientID: a.RecipientID,
		Channel:     c.Type,
		Address:     a.Address,
		Subject:     subject,
		Body:        body,
		Headers: map[string]string{
			"X-Campaign-ID": c.ID,
			"X-Attempt-ID":  a.ID,
		},
	}

	sendCtx, cancel := context.WithTimeout(bg, d.cfg.SendTimeout)
	started := time.Now()
	_, err := b.transport.Send(sendCtx, msg)
	timedOut := sendCtx.Err() == context.DeadlineExceeded
	cancel()
	metrics.RecordTransport(string(c.Type), time.Since(started))

	if err == nil {
		return d.recordSent(bg, c, a)
	}
	if errors.Is(err, sending.ErrTransportUnavailable) {
		atomic.AddInt32(&b.unavailable, 1)
		b.lastErr.Store(err.Error())
		d.release(a)
		metrics.RecordSend(string(c.Type), outcomeUnavailable.String())
		return outcomeUnavailable
	}
	if timedOut && !errors.Is(err, sending.ErrTransportTimeout) {
		err = fmt.Errorf("%w after %s: %v", sending.ErrTransportTimeout, d.cfg.SendTimeout, err)
	}
	return d.recordFailure(bg, c, a, err)
}

func (d *Dispatcher) recordSent(ctx context.Context, c *domain.Campaign, a *domain.DeliveryAttempt) outcome {
	wctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	if err := d.store.MarkSent(wctx, a.ID, d.cfg.WorkerID, d.clock.Now()); err != nil {
		d.logMarkError("sent", a, err)
		return outcomeReleased
	}
	atomic.AddInt64(&d.totalSent, 1)
	metrics.RecordSend(string(c.Type), outcomeSent.String())
	return outcomeSent
}

// recordFailure classifies err and either schedules a retry or terminates
// the attempt. A retry is allowed while attemptCount is below the campaign's
// retry ceiling.
func (d *Dispatcher) recordFailure(ctx context.Context, c *domain.Campaign, a *domain.DeliveryAttempt, sendErr error) outcome {
	kind := sending.Classify(sendErr)
	f := delivery.Failure{Kind: kind, Message: sendErr.Error()}
	now := d.clock.Now()
	maxRetries := c.EffectiveMaxRetries(d.cfg.DefaultMaxRetries)

	wctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	metrics.RecordFailure(string(kind))

	if kind.Retryable() && a.AttemptCount < maxRetries {
		next := now.Add(Backoff(d.cfg.BaseDelay, a.AttemptCount+1))
		if err := d.store.MarkRetrying(wctx, a.ID, d.cfg.WorkerID, f, next, now); err != nil {
			d.logMarkError("retrying", a, err)
			return outcomeReleased
		}
		atomic.AddInt64(&d.totalRetrying, 1)
		metrics.RecordSend(string(c.Type), outcomeRetrying.String())
		logger.Debug("delivery will be retried", "campaign_id", c.ID, "attempt_id", a.ID,
			"kind", kind, "attempt", a.AttemptCount+1, "next_attempt_at", next.Format(time.RFC3339))
		return outcomeRetrying
	}

	if err := d.store.MarkFailed(wctx, a.ID, d.cfg.WorkerID, f, now); err != nil {
		d.logMarkError("failed", a, err)
		return outcomeReleased
	}
	atomic.AddInt64(&d.totalFailed, 1)
	metrics.RecordSend(string(c.Type), outcomeFailed.String())
	logger.Info("delivery failed", "campaign_id", c.ID, "attempt_id", a.ID, "kind", kind,
		"attempts", a.AttemptCount, "address", a.Address)
	return outcomeFailed
}

func (d *Dispatcher) logMarkError(state string, a *domain.DeliveryAttempt, err error) {
	if errors.Is(err, delivery.ErrLeaseLost) {
		logger.Warn("lease lost before recording outcome", "attempt_id", a.ID, "state", state)
		return
	}
	logger.Error("record delivery outcome", "attempt_id", a.ID, "state", state, "error", err)
}

func (d *Dispatcher) failCampaign(ctx context.Context, id, reason string) {
	if _, err := d.campaigns.Fail(ctx, id, reason); err != nil {
		logger.Error("fail campaign", "campaign_id", id, "error", err)
	}
}

func (d *Dispatcher) release(a *domain.DeliveryAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := d.store.Release(ctx, a.ID, d.cfg.WorkerID); err != nil && !errors.Is(err, delivery.ErrLeaseLost) {
		logger.Warn("release attempt", "attempt_id", a.ID, "error", err)
	}
}

func (d *Dispatcher) releaseAll(_ context.Context, attempts []domain.DeliveryAttempt) {
	for i := range attempts {
		d.release(&attempts[i])
	}
}

func groupByCampaign(claimed []domain.DeliveryAttempt) ([]string, map[string]*campaignBatch) {
	var order []string
	batches := make(map[string]*campaignBatch)
	for _, a := range claimed {
		b, ok := batches[a.CampaignID]
		if !ok {
			b = &campaignBatch{}
			batches[a.CampaignID] = b
			order = append(order, a.CampaignID)
		}
		b.attempts = append(b.attempts, a)
	}
	return order, batches
}
