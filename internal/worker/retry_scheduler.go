package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/pkg/metrics"
	"github.com/ignite/campaign-dispatch/internal/service/delivery"
)

// =============================================================================
// RETRY SCHEDULER
// =============================================================================
// One periodic process per deployment (guarded by a distributed lock) that:
//   1. flips due retrying attempts back to pending, terminating any whose
//      attempt count exceeds the campaign's retry ceiling
//   2. completes campaigns the scan left with no open attempts
//   3. records lastRetryProcessRun / nextRetryProcessRun
//   4. starts scheduled campaigns whose time has come

const (
	DefaultRetryInterval = 5 * time.Minute
	DefaultLockTTL       = 4 * time.Minute
	SchedulerLockKey     = "dispatch:retry-scheduler"

	TriggerPeriodic = "periodic"
	TriggerManual   = "manual"
)

// CampaignStarter is the slice of the campaign service the scheduler needs.
type CampaignStarter interface {
	StartDue(ctx context.Context) (int, error)
	CheckCompletion(ctx context.Context, id string) (bool, error)
}

// RetrySchedulerConfig tunes the scheduler.
type RetrySchedulerConfig struct {
	Interval  time.Duration
	BaseDelay time.Duration
	Owner     string
}

// RetryCycleResult summarises one scan.
type RetryCycleResult struct {
	Skipped   bool       `json:"skipped"`
	Campaigns int        `json:"campaigns"`
	Requeued  int        `json:"requeued"`
	Exhausted int        `json:"exhausted"`
	Completed int        `json:"completed"`
	Started   int        `json:"started"`
	QueueSize int        `json:"queueSize"`
	LastRun   *time.Time `json:"lastRetryProcessRun,omitempty"`
	NextRun   *time.Time `json:"nextRetryProcessRun,omitempty"`
}

// SchedulerStatus is what /scheduler/status reports.
type SchedulerStatus struct {
	Available            bool       `json:"available"`
	Reason               string     `json:"reason,omitempty"`
	LastRetryProcessRun  *time.Time `json:"lastRetryProcessRun"`
	NextRetryProcessRun  *time.Time `json:"nextRetryProcessRun"`
	QueueSize            int        `json:"queueSize"`
	LastRequeued         int        `json:"lastRequeued"`
	LastExhausted        int        `json:"lastExhausted"`
	LastStarted          int        `json:"lastStarted"`
	RetryInterval        string     `json:"retryInterval"`
	RetryIntervalSeconds int        `json:"retryIntervalSeconds"`
	BaseDelay            string     `json:"baseDelay"`
	DefaultMaxRetries    int        `json:"defaultMaxRetries"`
	BackoffPreview       []string   `json:"backoffPreview"`
}

// RetryScheduler drives retries and scheduled starts.
type RetryScheduler struct {
	cfg       RetrySchedulerConfig
	store     delivery.Store
	campaigns CampaignStarter
	cache     *ConfigCache
	state     StateStore
	lock      distlock.DistLock
	clock     clock.Clock

	cycleMu sync.Mutex
}

// NewRetryScheduler creates a scheduler. lock may be nil for a single-process
// deployment.
func NewRetryScheduler(cfg RetrySchedulerConfig, store delivery.Store, campaigns CampaignStarter, cache *ConfigCache, state StateStore, lock distlock.DistLock, clk clock.Clock) *RetryScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetryInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if state == nil {
		state = NewMemoryStateStore()
	}
	return &RetryScheduler{
		cfg:       cfg,
		store:     store,
		campaigns: campaigns,
		cache:     cache,
		state:     state,
		lock:      lock,
		clock:     clk,
	}
}

// Start runs a cycle immediately and then every interval until ctx is
// cancelled.
func (s *RetryScheduler) Start(ctx context.Context) {
	log.Printf("[RetryScheduler] Starting (interval=%s, base_delay=%s)", s.cfg.Interval, s.cfg.BaseDelay)

	s.periodic(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[RetryScheduler] Stopping")
			return
		case <-ticker.C:
			s.periodic(ctx)
		}
	}
}

func (s *RetryScheduler) periodic(ctx context.Context) {
	res, err := s.RunCycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("retry cycle failed", "error", err)
		}
		return
	}
	if res.Skipped {
		logger.Debug("retry cycle skipped, lock held elsewhere")
		return
	}
	if res.Requeued > 0 || res.Exhausted > 0 || res.Started > 0 {
		log.Printf("[RetryScheduler] requeued=%d exhausted=%d completed=%d started=%d queue=%d",
			res.Requeued, res.Exhausted, res.Completed, res.Started, res.QueueSize)
	}
}

// RunCycle performs one periodic scan and advances nextRetryProcessRun.
func (s *RetryScheduler) RunCycle(ctx context.Context) (*RetryCycleResult, error) {
	return s.cycle(ctx, TriggerPeriodic)
}

// RetryNow performs one scan on demand. The periodic schedule is left as is.
func (s *RetryScheduler) RetryNow(ctx context.Context) (*RetryCycleResult, error) {
	return s.cycle(ctx, TriggerManual)
}

// CheckScheduled starts due scheduled campaigns without a retry scan.
func (s *RetryScheduler) CheckScheduled(ctx context.Context) (int, error) {
	return s.campaigns.StartDue(ctx)
}

// RefreshCache reloads campaign retry settings here and tells every other
// process to do the same.
func (s *RetryScheduler) RefreshCache(ctx context.Context) (int, error) {
	n, err := s.cache.Refresh(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.cache.Publish(ctx); err != nil {
		logger.Warn("config refresh publish failed", "error", err)
	}
	return n, nil
}

func (s *RetryScheduler) cycle(ctx context.Context, trigger string) (*RetryCycleResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	started := time.Now()
	res, err := s.runLocked(ctx, trigger)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Skipped:
		outcome = "skipped"
	}
	metrics.RecordSchedulerCycle(trigger, outcome, time.Since(started))
	return res, err
}

func (s *RetryScheduler) runLocked(ctx context.Context, trigger string) (*RetryCycleResult, error) {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire scheduler lock: %w", err)
		}
		if !ok {
			return &RetryCycleResult{Skipped: true}, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release scheduler lock", "error", err)
			}
		}()
	}

	now := s.clock.Now()
	res := &RetryCycleResult{}

	due, err := s.store.DueRetryCampaigns(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	res.Campaigns = len(due)
	for _, id := range due {
		maxRetries := s.cache.MaxRetries(ctx, id)
		r, err := s.store.RequeueDue(ctx, id, now, maxRetries)
		if err != nil {
			logger.Error("requeue due attempts", "campaign_id", id, "error", err)
			continue
		}
		res.Requeued += r.Requeued
		res.Exhausted += r.Exhausted
		metrics.RetriesRequeued.Add(float64(r.Requeued))
		metrics.RetriesExhausted.Add(float64(r.Exhausted))

		if completed, err := s.campaigns.CheckCompletion(ctx, id); err != nil {
			logger.Warn("completion check failed", "campaign_id", id, "error", err)
		} else if completed {
			res.Completed++
		}

		if err := s.extendLock(ctx); err != nil {
			return res, fmt.Errorf("retry scan stopped at campaign %s: %w", id, err)
		}
	}

	if res.QueueSize, err = s.store.QueueSize(ctx); err != nil {
		logger.Warn("queue size", "error", err)
	}

	prev, err := s.state.Load(ctx)
	if err != nil {
		logger.Warn("load scheduler state", "error", err)
		prev = &domain.SchedulerState{}
	}
	next := now.Add(s.cfg.Interval)
	if trigger == TriggerManual && prev.NextRetryProcessRun != nil {
		next = *prev.NextRetryProcessRun
	}
	res.LastRun = &now
	res.NextRun = &next

	res.Started, err = s.campaigns.StartDue(ctx)
	if err != nil {
		logger.Warn("start due scheduled campaigns", "error", err)
	}

	st := &domain.SchedulerState{
		LastRetryProcessRun: &now,
		NextRetryProcessRun: &next,
		QueueSize:           res.QueueSize,
		LastRequeued:        res.Requeued,
		LastExhausted:       res.Exhausted,
		LastStarted:         res.Started,
		Owner:               s.cfg.Owner,
	}
	if err := s.state.Save(ctx, st); err != nil {
		return res, fmt.Errorf("save scheduler state: %w", err)
	}
	return res, nil
}

// extendLock refreshes a TTL lock so a long scan cannot outlive it. A lock
// taken over by another process ends the scan.
func (s *RetryScheduler) extendLock(ctx context.Context) error {
	ext, ok := s.lock.(distlock.Extender)
	if !ok {
		return nil
	}
	held, err := ext.Extend(ctx)
	if err != nil {
		logger.Warn("extend scheduler lock", "error", err)
		return nil
	}
	if !held {
		return distlock.ErrLockLost
	}
	return nil
}

// Status reports scheduler health from the shared state. The scheduler is
// unavailable when it has not run within two intervals.
func (s *RetryScheduler) Status(ctx context.Context) SchedulerStatus {
	out := SchedulerStatus{
		RetryInterval:        s.cfg.Interval.String(),
		RetryIntervalSeconds: int(s.cfg.Interval / time.Second),
		BaseDelay:            s.cfg.BaseDelay.String(),
		DefaultMaxRetries:    s.cache.DefaultMaxRetries(),
	}
	for _, d := range BackoffPreview(s.cfg.BaseDelay, 5) {
		out.BackoffPreview = append(out.BackoffPreview, d.String())
	}

	st, err := s.state.Load(ctx)
	if err != nil {
		out.Reason = "scheduler state unavailable"
		return out
	}
	out.LastRetryProcessRun = st.LastRetryProcessRun
	out.NextRetryProcessRun = st.NextRetryProcessRun
	out.QueueSize = st.QueueSize
	out.LastRequeued = st.LastRequeued
	out.LastExhausted = st.LastExhausted
	out.LastStarted = st.LastStarted

	switch {
	case st.LastRetryProcessRun == nil:
		out.Reason = "scheduler has not run yet"
	case s.clock.Now().Sub(*st.LastRetryProcessRun) > 2*s.cfg.Interval:
		out.Reason = "scheduler has not run within two intervals"
	default:
		out.Available = true
	}
	return out
}
