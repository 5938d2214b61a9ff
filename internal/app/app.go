// Package app assembles the stores, services and workers that cmd/server and
// cmd/worker share.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/api"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/render"
	"github.com/ignite/campaign-dispatch/internal/repository/memory"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/service/delivery"
	"github.com/ignite/campaign-dispatch/internal/service/recipient"
	"github.com/ignite/campaign-dispatch/internal/service/sending"
	"github.com/ignite/campaign-dispatch/internal/service/stats"
	"github.com/ignite/campaign-dispatch/internal/tracking"
	"github.com/ignite/campaign-dispatch/internal/transport"
	"github.com/ignite/campaign-dispatch/internal/worker"
)

// App holds the wired components of one process.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client
	SQS    *sqs.Client

	Repo      campaign.Repository
	Store     delivery.Store
	Campaigns *campaign.Service
	Stats     *stats.Aggregator
	Cache     *worker.ConfigCache
	Scheduler *worker.RetryScheduler
	Signer    *tracking.Signer

	clock clock.Clock
}

// New connects to the configured backends and builds the services. Without a
// database URL everything runs on the in-memory store.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, clock: clock.Real{}}

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.Repo = postgres.NewCampaignRepo(db)
		a.Store = postgres.NewAttemptStore(db)
		a.Campaigns = campaign.NewService(a.Repo, a.Store, recipient.NewResolver(postgres.NewDirectory(db)))
		log.Println("Connected to PostgreSQL")
	} else {
		mem := memory.NewStore()
		a.Repo = mem
		a.Store = mem
		a.Campaigns = campaign.NewService(mem, mem, recipient.NewResolver(mem))
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed, continuing", "error", err)
		}
	}

	if cfg.Tracking.SQSQueueURL != "" {
		client, err := newSQSClient(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.SQS = client
	}
	if cfg.Tracking.Enabled() {
		a.Signer = tracking.NewSigner(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	}

	a.Stats = stats.NewAggregator(a.Repo, a.Store, a.clock)
	a.Cache = worker.NewConfigCache(a.Repo, cfg.Retry.DefaultMaxRetries, cfg.Retry.CacheTTL(), a.Redis, a.clock)

	var state worker.StateStore = worker.NewMemoryStateStore()
	if a.Redis != nil {
		state = worker.NewRedisStateStore(a.Redis, worker.DefaultStateKey)
	}
	lock := distlock.NewLock(a.Redis, a.DB, worker.SchedulerLockKey, cfg.Retry.LockTTL())
	owner := cfg.Dispatch.WorkerID
	if owner == "" {
		owner = "scheduler-" + uuid.New().String()[:8]
	}
	a.Scheduler = worker.NewRetryScheduler(worker.RetrySchedulerConfig{
		Interval:  cfg.Retry.Interval(),
		BaseDelay: cfg.Retry.BaseDelay(),
		Owner:     owner,
	}, a.Store, a.Campaigns, a.Cache, state, lock, a.clock)

	return a, nil
}

func newSQSClient(ctx context.Context, cfg *config.Config) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Tracking.SQSRegion)}
	if cfg.Transport.SES.AccessKey != "" && cfg.Transport.SES.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Transport.SES.AccessKey, cfg.Transport.SES.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config for sqs: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Transports builds one transport per configured channel, each wrapped by the
// Redis rate limiter when limits are set.
func (a *App) Transports(ctx context.Context) (sending.Transports, error) {
	cfg := a.Config.Transport
	out := sending.Transports{}

	if cfg.SES.Enabled {
		client, err := transport.NewSESClient(ctx, cfg.SES.Transport())
		if err != nil {
			return nil, err
		}
		out[domain.CampaignTypeEmail] = transport.NewSES(client, cfg.SES.Transport())
	}
	if cfg.SMS.Enabled() {
		out[domain.CampaignTypeSMS] = transport.NewWebhook(domain.CampaignTypeSMS, cfg.SMS.Transport(), nil)
	}
	if cfg.Push.Enabled() {
		out[domain.CampaignTypePush] = transport.NewWebhook(domain.CampaignTypePush, cfg.Push.Transport(), nil)
	}

	if a.Redis != nil && len(cfg.RateLimits) > 0 {
		limiter := transport.NewRateLimiter(a.Redis, cfg.RateLimits, a.clock)
		for channel, t := range out {
			out[channel] = limiter.Wrap(channel, t)
		}
	}

	for _, channel := range []domain.CampaignType{domain.CampaignTypeEmail, domain.CampaignTypeSMS, domain.CampaignTypePush} {
		if _, ok := out[channel]; !ok {
			logger.Warn("no transport configured, campaigns of this type will fail", "channel", channel)
		}
	}
	return out, nil
}

// NewDispatcher builds dispatcher n of this process.
func (a *App) NewDispatcher(n int, transports sending.Transports) *worker.Dispatcher {
	cfg := a.Config.Dispatch
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "dispatcher-" + uuid.New().String()[:8]
	}
	opts := []worker.DispatcherOption{worker.WithRenderer(render.New())}
	if a.Signer != nil {
		opts = append(opts, worker.WithTracking(a.Signer))
	}
	return worker.NewDispatcher(worker.DispatcherConfig{
		WorkerID:          fmt.Sprintf("%s-%d", workerID, n),
		BatchSize:         cfg.BatchSize,
		Concurrency:       cfg.Concurrency,
		Lease:             cfg.Lease(),
		SendTimeout:       cfg.SendTimeout(),
		PollInterval:      cfg.PollInterval(),
		BaseDelay:         a.Config.Retry.BaseDelay(),
		DefaultMaxRetries: a.Config.Retry.DefaultMaxRetries,
	}, a.Store, a.Campaigns, transports, opts...)
}

// TrackingHandler returns the open/click endpoints, or nil when tracking is
// not configured. Events go to SQS when a queue is set.
func (a *App) TrackingHandler() *tracking.Handler {
	if a.Signer == nil {
		return nil
	}
	var sink tracking.EventSink = tracking.NewDirectSink(a.Store)
	if a.SQS != nil {
		sink = tracking.NewSQSPublisher(a.SQS, a.Config.Tracking.SQSQueueURL)
	}
	return tracking.NewHandler(a.Signer, sink, a.clock)
}

// TrackingConsumer returns the SQS engagement consumer, or nil without a
// queue.
func (a *App) TrackingConsumer() *tracking.Consumer {
	if a.SQS == nil {
		return nil
	}
	return tracking.NewConsumer(a.SQS, a.Config.Tracking.SQSQueueURL, a.Store)
}

// Handlers builds the API handlers.
func (a *App) Handlers() *api.Handlers {
	return api.NewHandlers(a.Campaigns, a.Stats, a.Store, a.Scheduler)
}

// HealthChecker builds the health endpoints' checker.
func (a *App) HealthChecker() *api.HealthChecker {
	return api.NewHealthChecker(a.DB, a.Redis, a.Scheduler)
}

// Close releases the database and Redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Printf("Database close error: %v", err)
		}
	}
}
