// Package stats computes campaign and delivery statistics on demand from the
// campaign repository and the delivery attempt store. Nothing is cached
// between calls.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
)

// CampaignReader is the part of the campaign repository the aggregator reads.
type CampaignReader interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	Totals(ctx context.Context) (domain.CampaignTotals, error)
}

// Tallier counts delivery attempts.
type Tallier interface {
	Tally(ctx context.Context, campaignID string) (domain.AttemptTally, error)
}

// EmailTracking is the attempt state breakdown.
type EmailTracking struct {
	Sent        int     `json:"sent"`
	Pending     int     `json:"pending"`
	Retrying    int     `json:"retrying"`
	Failed      int     `json:"failed"`
	Total       int     `json:"total"`
	FailureRate float64 `json:"failureRate"`
}

// CampaignStats is the detailed view of one campaign.
type CampaignStats struct {
	CampaignID      string                `json:"campaignId"`
	Name            string                `json:"name"`
	Type            domain.CampaignType   `json:"type"`
	Status          domain.CampaignStatus `json:"status"`
	TotalRecipients int                   `json:"totalRecipients"`
	SentCount       int                   `json:"sentCount"`
	OpenedCount     int                   `json:"openedCount"`
	ClickedCount    int                   `json:"clickedCount"`
	MaxRetries      *int                  `json:"maxRetries"`

	EmailTracking           EmailTracking              `json:"emailTracking"`
	FailureBreakdown        map[domain.FailureKind]int `json:"failureBreakdown"`
	AverageRetrySuccessRate float64                    `json:"averageRetrySuccessRate"`
	TotalRetries            int                        `json:"totalRetries"`

	EmailFailureRate float64 `json:"emailFailureRate"`
	OpenRate         float64 `json:"openRate"`
	ClickRate        float64 `json:"clickRate"`
	AverageOpenRate  float64 `json:"averageOpenRate"`
	AverageClickRate float64 `json:"averageClickRate"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// GlobalStats is the rollup across every campaign.
type GlobalStats struct {
	Campaigns       int                           `json:"campaigns"`
	ByStatus        map[domain.CampaignStatus]int `json:"byStatus"`
	TotalRecipients int                           `json:"totalRecipients"`
	SentCount       int                           `json:"sentCount"`
	OpenedCount     int                           `json:"openedCount"`
	ClickedCount    int                           `json:"clickedCount"`

	EmailTracking           EmailTracking              `json:"emailTracking"`
	FailureBreakdown        map[domain.FailureKind]int `json:"failureBreakdown"`
	AverageRetrySuccessRate float64                    `json:"averageRetrySuccessRate"`
	TotalRetries            int                        `json:"totalRetries"`

	EmailFailureRate float64 `json:"emailFailureRate"`
	AverageOpenRate  float64 `json:"averageOpenRate"`
	AverageClickRate float64 `json:"averageClickRate"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// Aggregator builds CampaignStats and GlobalStats.
type Aggregator struct {
	campaigns CampaignReader
	attempts  Tallier
	clock     clock.Clock
}

// NewAggregator creates an aggregator. clk may be nil.
func NewAggregator(campaigns CampaignReader, attempts Tallier, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Aggregator{campaigns: campaigns, attempts: attempts, clock: clk}
}

// Campaign returns the stats of one campaign. Repository errors such as
// campaign.ErrNotFound are returned wrapped.
func (a *Aggregator) Campaign(ctx context.Context, id string) (*CampaignStats, error) {
	c, err := a.campaigns.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	t, err := a.attempts.Tally(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("tally attempts: %w", err)
	}

	openRate := Rate(c.OpenedCount, c.SentCount)
	clickRate := Rate(c.ClickedCount, c.SentCount)
	return &CampaignStats{
		CampaignID:              c.ID,
		Name:                    c.Name,
		Type:                    c.Type,
		Status:                  c.Status,
		TotalRecipients:         c.TotalRecipients,
		SentCount:               c.SentCount,
		OpenedCount:             c.OpenedCount,
		ClickedCount:            c.ClickedCount,
		MaxRetries:              c.MaxRetries,
		EmailTracking:           tracking(t),
		FailureBreakdown:        breakdown(t),
		AverageRetrySuccessRate: Rate(t.RetriedSent, t.Retried),
		TotalRetries:            t.TotalRetries,
		EmailFailureRate:        Rate(t.Failed, t.Sent+t.Failed),
		OpenRate:                openRate,
		ClickRate:               clickRate,
		AverageOpenRate:         openRate,
		AverageClickRate:        clickRate,
		GeneratedAt:             a.clock.Now(),
	}, nil
}

// Global returns the rollup across all campaigns.
func (a *Aggregator) Global(ctx context.Context) (*GlobalStats, error) {
	totals, err := a.campaigns.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("campaign totals: %w", err)
	}
	t, err := a.attempts.Tally(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("tally attempts: %w", err)
	}

	byStatus := make(map[domain.CampaignStatus]int, len(domain.CampaignStatuses))
	for _, s := range domain.CampaignStatuses {
		byStatus[s] = totals.ByStatus[s]
	}
	return &GlobalStats{
		Campaigns:               totals.Campaigns,
		ByStatus:                byStatus,
		TotalRecipients:         totals.TotalRecipients,
		SentCount:               totals.SentCount,
		OpenedCount:             totals.OpenedCount,
		ClickedCount:            totals.ClickedCount,
		EmailTracking:           tracking(t),
		FailureBreakdown:        breakdown(t),
		AverageRetrySuccessRate: Rate(t.RetriedSent, t.Retried),
		TotalRetries:            t.TotalRetries,
		EmailFailureRate:        Rate(t.Failed, t.Sent+t.Failed),
		AverageOpenRate:         totals.AverageOpenRate,
		AverageClickRate:        totals.AverageClickRate,
		GeneratedAt:             a.clock.Now(),
	}, nil
}

// Rate returns num/den, or 0 when den is 0.
func Rate(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func tracking(t domain.AttemptTally) EmailTracking {
	total := t.Total()
	return EmailTracking{
		Sent:        t.Sent,
		Pending:     t.Pending,
		Retrying:    t.Retrying,
		Failed:      t.Failed,
		Total:       total,
		FailureRate: Rate(t.Failed, total),
	}
}

// breakdown always carries all nine kinds.
func breakdown(t domain.AttemptTally) map[domain.FailureKind]int {
	out := domain.NewFailureBreakdown()
	for k, n := range t.FailureKinds {
		if k.Valid() {
			out[k] += n
		} else {
			out[domain.FailureUnknown] += n
		}
	}
	return out
}
