// Package sending defines the delivery contract shared by every channel.
//
// Each channel adapter (SES for email, webhooks for SMS and push) implements
// Transport and pre-maps its own failures into *TransportError. Classify turns
// any transport failure into a domain.FailureKind; it is the only place the
// failure taxonomy lives.
package sending

import (
	"context"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Transport sends a single message through one channel. Implementations must
// be safe for concurrent use and must honor ctx cancellation.
type Transport interface {
	Send(ctx context.Context, msg *domain.Message) (*domain.SendResult, error)
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(ctx context.Context, msg *domain.Message) (*domain.SendResult, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, msg *domain.Message) (*domain.SendResult, error) {
	return f(ctx, msg)
}

// Transports resolves the transport for a campaign channel.
type Transports map[domain.CampaignType]Transport

// For returns the transport for channel t, or nil when none is configured.
func (ts Transports) For(t domain.CampaignType) Transport {
	if ts == nil {
		return nil
	}
	return ts[t]
}

// Renderer personalises a campaign's subject and body for one recipient.
type Renderer interface {
	Render(c *domain.Campaign, a *domain.DeliveryAttempt) (subject, body string, err error)
}

// TrackingInjector adds an open pixel and click redirects to an email body.
// Called by the dispatcher before delivery.
type TrackingInjector interface {
	InjectTracking(html string, a *domain.DeliveryAttempt) string
}
