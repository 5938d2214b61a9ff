package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/httpretry"
	"github.com/ignite/campaign-dispatch/internal/service/sending"
)

// WebhookConfig configures an SMS or push provider webhook.
type WebhookConfig struct {
	URL        string
	Token      string
	MaxRetries int
}

// Webhook delivers SMS and push messages by POSTing JSON to a provider
// endpoint. Non-2xx answers become *sending.TransportError with the HTTP
// status as the code.
type Webhook struct {
	channel domain.CampaignType
	url     string
	token   string
	client  httpretry.HTTPDoer
}

type webhookPayload struct {
	To          string `json:"to"`
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body"`
	Channel     string `json:"channel"`
	CampaignID  string `json:"campaignId"`
	AttemptID   string `json:"attemptId"`
	RecipientID string `json:"recipientId"`
}

type webhookReply struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// NewWebhook creates a webhook transport for channel. client may be nil.
func NewWebhook(channel domain.CampaignType, cfg WebhookConfig, client httpretry.HTTPDoer) *Webhook {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, cfg.MaxRetries)
	}
	return &Webhook{channel: channel, url: cfg.URL, token: cfg.Token, client: client}
}

// Send posts one message.
func (w *Webhook) Send(ctx context.Context, msg *domain.Message) (*domain.SendResult, error) {
	if w.url == "" {
		return nil, fmt.Errorf("%w: no %s webhook url", sending.ErrTransportUnavailable, w.channel)
	}

	payload, err := json.Marshal(webhookPayload{
		To:          msg.Address,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Channel:     string(w.channel),
		CampaignID:  msg.CampaignID,
		AttemptID:   msg.AttemptID,
		RecipientID: msg.RecipientID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", w.channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", w.channel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.AttemptID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &sending.TransportError{Protocol: sending.ProtocolHTTP, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	var reply webhookReply
	_ = json.Unmarshal(raw, &reply)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &sending.TransportError{
			Protocol:  sending.ProtocolHTTP,
			Code:      strconv.Itoa(resp.StatusCode),
			Message:   replyMessage(resp.StatusCode, reply, raw),
			Temporary: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	id := reply.MessageID
	if id == "" {
		id = reply.ID
	}
	return &domain.SendResult{MessageID: id, SentAt: time.Now().UTC()}, nil
}

func replyMessage(status int, reply webhookReply, raw []byte) string {
	switch {
	case reply.Error != "":
		return strings.ToValidUTF8(reply.Error, "\uFFFD")
	case reply.Message != "":
		return strings.ToValidUTF8(reply.Message, "\uFFFD")
	case len(raw) > 0 && len(raw) <= 200 && !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")):
		return strings.ToValidUTF8(strings.TrimSpace(string(raw)), "\uFFFD")
	}
	return http.StatusText(status)
}
