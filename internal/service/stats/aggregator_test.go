package stats_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/repository/memory"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/service/delivery"
	"github.com/ignite/campaign-dispatch/internal/service/stats"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// seedCampaign starts a campaign with n recipients and returns its claimed rows.
func seedCampaign(t *testing.T, store *memory.Store, name string, n int) (string, []domain.DeliveryAttempt) {
	t.Helper()
	ctx := context.Background()
	id, err := store.Create(ctx, &domain.Campaign{Name: name, Type: domain.CampaignTypeEmail, Status: domain.CampaignDraft})
	require.NoError(t, err)

	recipients := make([]domain.ResolvedRecipient, n)
	for i := range recipients {
		recipients[i] = domain.ResolvedRecipient{RecipientID: name + "-r" + string(rune('a'+i)), Address: "x@example.com"}
	}
	ok, err := store.BeginDispatch(ctx, id, []domain.CampaignStatus{domain.CampaignDraft}, recipients, t0)
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := store.ClaimPending(ctx, "w", n, time.Minute, t0)
	require.NoError(t, err)
	require.Len(t, claimed, n)
	return id, claimed
}

func TestAggregator_EmptyStoreHasZeroRates(t *testing.T) {
	store := memory.NewStore()
	agg := stats.NewAggregator(store, store, clock.NewFake(t0))

	g, err := agg.Global(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, g.Campaigns)
	assert.Zero(t, g.EmailTracking.FailureRate)
	assert.Zero(t, g.AverageRetrySuccessRate)
	assert.Zero(t, g.AverageOpenRate)
	assert.Len(t, g.FailureBreakdown, len(domain.FailureKinds))
	assert.Len(t, g.ByStatus, len(domain.CampaignStatuses))
	assert.Equal(t, t0, g.GeneratedAt)
}

func TestAggregator_CampaignStats(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	id, rows := seedCampaign(t, store, "spring", 5)

	// rows 0,1 sent; row 2 retrying (rate limit); row 3 failed (user not found); row 4 pending
	require.NoError(t, store.MarkSent(ctx, rows[0].ID, "w", t0))
	require.NoError(t, store.MarkSent(ctx, rows[1].ID, "w", t0))
	require.NoError(t, store.MarkRetrying(ctx, rows[2].ID, "w",
		delivery.Failure{Kind: domain.FailureRateLimit, Message: "429"}, t0.Add(5*time.Minute), t0))
	require.NoError(t, store.MarkFailed(ctx, rows[3].ID, "w",
		delivery.Failure{Kind: domain.FailureUserNotFound, Message: "550 5.1.1"}, t0))
	require.NoError(t, store.Release(ctx, rows[4].ID, "w"))

	_, err := store.RecordEngagement(ctx, rows[0].ID, domain.EngagementOpen, t0)
	require.NoError(t, err)
	_, err = store.RecordEngagement(ctx, rows[0].ID, domain.EngagementClick, t0)
	require.NoError(t, err)

	s, err := stats.NewAggregator(store, store, nil).Campaign(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, stats.EmailTracking{Sent: 2, Pending: 1, Retrying: 1, Failed: 1, Total: 5, FailureRate: 0.2}, s.EmailTracking)
	assert.Equal(t, 1, s.FailureBreakdown[domain.FailureRateLimit])
	assert.Equal(t, 1, s.FailureBreakdown[domain.FailureUserNotFound])
	assert.Equal(t, 0, s.FailureBreakdown[domain.FailureNetwork])
	assert.Len(t, s.FailureBreakdown, 9)
	assert.InDelta(t, 1.0/3.0, s.EmailFailureRate, 1e-9)
	assert.InDelta(t, 0.5, s.OpenRate, 1e-9)
	assert.InDelta(t, 0.5, s.ClickRate, 1e-9)
	assert.Equal(t, s.OpenRate, s.AverageOpenRate)
	assert.Zero(t, s.AverageRetrySuccessRate)
	assert.Equal(t, 1, s.TotalRetries)
}

func TestAggregator_RetrySuccessRate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	id, rows := seedCampaign(t, store, "retry", 2)

	for _, r := range rows {
		require.NoError(t, store.MarkRetrying(ctx, r.ID, "w", delivery.Failure{Kind: domain.FailureNetwork}, t0, t0))
	}
	res, err := store.RequeueDue(ctx, id, t0, 3)
	require.NoError(t, err)
	require.Equal(t, 2, res.Requeued)

	again, err := store.ClaimPending(ctx, "w", 2, time.Minute, t0)
	require.NoError(t, err)
	require.Len(t, again, 2)
	require.NoError(t, store.MarkSent(ctx, again[0].ID, "w", t0))
	require.NoError(t, store.MarkFailed(ctx, again[1].ID, "w", delivery.Failure{Kind: domain.FailureNetwork}, t0))

	s, err := stats.NewAggregator(store, store, nil).Campaign(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s.AverageRetrySuccessRate, 1e-9)
	assert.Equal(t, 1, s.FailureBreakdown[domain.FailureNetwork])
}

func TestAggregator_GlobalAveragesOverCampaignsWithSends(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	_, a := seedCampaign(t, store, "a", 2)
	require.NoError(t, store.MarkSent(ctx, a[0].ID, "w", t0))
	require.NoError(t, store.MarkSent(ctx, a[1].ID, "w", t0))
	_, err := store.RecordEngagement(ctx, a[0].ID, domain.EngagementOpen, t0)
	require.NoError(t, err)

	_, b := seedCampaign(t, store, "b", 1)
	require.NoError(t, store.MarkSent(ctx, b[0].ID, "w", t0))
	_, err = store.RecordEngagement(ctx, b[0].ID, domain.EngagementOpen, t0)
	require.NoError(t, err)

	_, err = store.Create(ctx, &domain.Campaign{Name: "idle", Type: domain.CampaignTypeSMS, Status: domain.CampaignDraft})
	require.NoError(t, err)

	g, err := stats.NewAggregator(store, store, nil).Global(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, g.Campaigns)
	assert.Equal(t, 1, g.ByStatus[domain.CampaignDraft])
	assert.Equal(t, 3, g.SentCount)
	assert.InDelta(t, 0.75, g.AverageOpenRate, 1e-9)
	assert.Zero(t, g.AverageClickRate)
	assert.Equal(t, 3, g.EmailTracking.Sent)
}

func TestAggregator_UnknownCampaign(t *testing.T) {
	store := memory.NewStore()
	_, err := stats.NewAggregator(store, store, nil).Campaign(context.Background(), "missing")
	assert.True(t, errors.Is(err, campaign.ErrNotFound))
}

func TestRate(t *testing.T) {
	assert.Zero(t, stats.Rate(5, 0))
	assert.Equal(t, 0.25, stats.Rate(1, 4))
}
