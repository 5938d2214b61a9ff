package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/pkg/httpretry"
	"github.com/ignite/campaign-dispatch/internal/service/sending"
)

func testMessage() *domain.Message {
	return &domain.Message{
		AttemptID:   "a1",
		CampaignID:  "c1",
		RecipientID: "r1",
		Address:     "ann@example.com",
		Subject:     "Hello",
		Body:        "<p>Hi</p>",
	}
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func TestSES_Send(t *testing.T) {
	fake := &fakeSES{}
	tr := NewSES(fake, SESConfig{FromEmail: "news@example.com", FromName: "News", ConfigurationSet: "tracking"})

	res, err := tr.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-123", res.MessageID)
	assert.Equal(t, "News <news@example.com>", aws.ToString(fake.in.FromEmailAddress))
	assert.Equal(t, []string{"ann@example.com"}, fake.in.Destination.ToAddresses)
	assert.Equal(t, "tracking", aws.ToString(fake.in.ConfigurationSetName))
	assert.Equal(t, "<p>Hi</p>", aws.ToString(fake.in.Content.Simple.Body.Html.Data))
}

func TestSES_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.FailureKind
	}{
		{"throttling", &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "Maximum sending rate exceeded."}, domain.FailureRateLimit},
		{"rejected", &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified."}, domain.FailureSMTP},
		{"not found", &smithy.GenericAPIError{Code: "NotFoundException", Message: "configuration set missing"}, domain.FailureUserNotFound},
		{"server fault", &smithy.GenericAPIError{Code: "InternalFailure", Message: "boom", Fault: smithy.FaultServer}, domain.FailureSMTP},
		{"deadline", context.DeadlineExceeded, domain.FailureNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSES(&fakeSES{err: tt.err}, SESConfig{FromEmail: "x@example.com"}).Send(context.Background(), testMessage())
			require.Error(t, err)
			var te *sending.TransportError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, sending.ProtocolAPI, te.Protocol)
			assert.Equal(t, tt.want, sending.Classify(err))
		})
	}
}

func TestSES_SuspendedAccountIsUnavailable(t *testing.T) {
	fake := &fakeSES{err: &smithy.GenericAPIError{Code: "AccountSuspendedException", Message: "suspended"}}
	_, err := NewSES(fake, SESConfig{FromEmail: "x@example.com"}).Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, sending.ErrTransportUnavailable)

	_, err = NewSES(nil, SESConfig{}).Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, sending.ErrTransportUnavailable)
}

func TestWebhook_Send(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "a1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messageId":"sms-9"}`))
	}))
	defer srv.Close()

	tr := NewWebhook(domain.CampaignTypeSMS, WebhookConfig{URL: srv.URL, Token: "tok"}, srv.Client())
	msg := testMessage()
	msg.Address = "+15550100"
	res, err := tr.Send(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "sms-9", res.MessageID)
	assert.Equal(t, "+15550100", got.To)
	assert.Equal(t, "sms", got.Channel)
	assert.Equal(t, "c1", got.CampaignID)
}

func TestWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   domain.FailureKind
	}{
		{http.StatusTooManyRequests, ``, domain.FailureRateLimit},
		{http.StatusUnauthorized, `{"error":"bad key"}`, domain.FailureAuthentication},
		{http.StatusBadRequest, `{"error":"invalid phone number"}`, domain.FailureInvalidEmail},
		{http.StatusGone, `{"message":"device token unregistered"}`, domain.FailureUserNotFound},
		{http.StatusServiceUnavailable, ``, domain.FailureNetwork},
		{http.StatusInternalServerError, ``, domain.FailureSMTP},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tr := NewWebhook(domain.CampaignTypePush, WebhookConfig{URL: srv.URL}, srv.Client())
			_, err := tr.Send(context.Background(), testMessage())
			require.Error(t, err)
			assert.Equal(t, tt.want, sending.Classify(err))
		})
	}
}

func TestWebhook_NonUTF8ReplyIsCleaned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Empf\xe4nger ung\xfcltig"))
	}))
	defer srv.Close()

	_, err := NewWebhook(domain.CampaignTypeSMS, WebhookConfig{URL: srv.URL}, srv.Client()).Send(context.Background(), testMessage())
	var te *sending.TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, utf8.ValidString(te.Message))
	assert.Equal(t, "Empf\uFFFDnger ung\uFFFDltig", te.Message)
}

func TestWebhook_RetriesGatewayErrorsInCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	}))
	defer srv.Close()

	client := httpretry.NewRetryClient(srv.Client(), 1, httpretry.WithDelays(time.Millisecond, time.Millisecond))
	res, err := NewWebhook(domain.CampaignTypePush, WebhookConfig{URL: srv.URL}, client).Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "p-1", res.MessageID)
	assert.Equal(t, 2, calls)
}

func TestWebhook_MissingURLIsUnavailable(t *testing.T) {
	_, err := NewWebhook(domain.CampaignTypeSMS, WebhookConfig{}, nil).Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, sending.ErrTransportUnavailable)
}

func TestRateLimiter_FailsFastWhenWindowFull(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 10, 0, time.UTC))

	limiter := NewRateLimiter(rdb, map[domain.CampaignType]Limit{domain.CampaignTypeEmail: {PerSecond: 2}}, clk)
	sent := 0
	tr := limiter.Wrap(domain.CampaignTypeEmail, sending.TransportFunc(func(context.Context, *domain.Message) (*domain.SendResult, error) {
		sent++
		return &domain.SendResult{}, nil
	}))

	ctx := context.Background()
	_, err := tr.Send(ctx, testMessage())
	require.NoError(t, err)
	_, err = tr.Send(ctx, testMessage())
	require.NoError(t, err)

	_, err = tr.Send(ctx, testMessage())
	require.Error(t, err)
	assert.Equal(t, domain.FailureRateLimit, sending.Classify(err))
	assert.Equal(t, 2, sent)

	usage, err := limiter.Usage(ctx, domain.CampaignTypeEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage["second_current"])
	assert.Equal(t, int64(2), usage["daily_current"])

	clk.Advance(time.Second)
	_, err = tr.Send(ctx, testMessage())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
}

func TestRateLimiter_UnlimitedChannelPassesThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRateLimiter(rdb, map[domain.CampaignType]Limit{}, nil)

	inner := sending.TransportFunc(func(context.Context, *domain.Message) (*domain.SendResult, error) {
		return &domain.SendResult{MessageID: "x"}, nil
	})
	res, err := limiter.Wrap(domain.CampaignTypeSMS, inner).Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "x", res.MessageID)
	assert.Nil(t, limiter.Wrap(domain.CampaignTypeSMS, nil))
}

func TestRateLimiter_RedisDownSendsAnyway(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	limiter := NewRateLimiter(rdb, map[domain.CampaignType]Limit{domain.CampaignTypeEmail: {PerSecond: 1}}, nil)
	tr := limiter.Wrap(domain.CampaignTypeEmail, sending.TransportFunc(func(context.Context, *domain.Message) (*domain.SendResult, error) {
		return &domain.SendResult{}, nil
	}))
	_, err := tr.Send(context.Background(), testMessage())
	assert.NoError(t, err)
}
