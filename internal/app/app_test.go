package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository/memory"
	"github.com/ignite/campaign-dispatch/internal/transport"
)

func TestNew_InMemory(t *testing.T) {
	cfg := config.Default()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.IsType(t, &memory.Store{}, a.Store)
	assert.Nil(t, a.TrackingHandler(), "tracking is off without base url and secret")
	assert.Nil(t, a.TrackingConsumer())

	st := a.Scheduler.Status(context.Background())
	assert.False(t, st.Available)
	assert.Equal(t, cfg.Retry.DefaultMaxRetries, st.DefaultMaxRetries)
}

func TestNew_WithRedisAndTracking(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Tracking.BaseURL = "https://t.example.com"
	cfg.Tracking.Secret = "s3cret"

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Redis)
	assert.NotNil(t, a.Signer)
	assert.NotNil(t, a.TrackingHandler())

	_, err = a.Scheduler.RetryNow(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists("dispatch:scheduler:state"), "state is shared through redis")
}

func TestNew_BadRedisURL(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.URL = "not-a-url://"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestTransports(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Transport.SMS.URL = "https://sms.example.com/send"
	cfg.Transport.RateLimits = map[domain.CampaignType]transport.Limit{
		domain.CampaignTypeSMS: {PerSecond: 5},
	}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	ts, err := a.Transports(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ts.For(domain.CampaignTypeSMS))
	assert.Nil(t, ts.For(domain.CampaignTypeEmail), "ses is disabled")
	assert.Nil(t, ts.For(domain.CampaignTypePush))
}

func TestNewDispatcher_WorkerIDs(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.WorkerID = "worker-a"
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	d0 := a.NewDispatcher(0, nil)
	d1 := a.NewDispatcher(1, nil)
	assert.Equal(t, "worker-a-0", d0.WorkerID())
	assert.Equal(t, "worker-a-1", d1.WorkerID())
}
