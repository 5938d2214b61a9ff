package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/pkg/metrics"
	"github.com/ignite/campaign-dispatch/internal/service/delivery"
)

// Event is one verified open or click.
type Event struct {
	Kind       domain.EngagementKind `json:"kind"`
	CampaignID string                `json:"campaignId"`
	AttemptID  string                `json:"attemptId"`
	URL        string                `json:"url,omitempty"`
	IPAddress  string                `json:"ipAddress,omitempty"`
	UserAgent  string                `json:"userAgent,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// EventSink accepts verified events.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

// Recorder stores the first open or click of an attempt. delivery.Store
// satisfies it.
type Recorder interface {
	RecordEngagement(ctx context.Context, attemptID string, kind domain.EngagementKind, at time.Time) (bool, error)
}

// Record writes evt through rec. Events for unknown attempts are dropped.
func Record(ctx context.Context, rec Recorder, evt Event) error {
	first, err := rec.RecordEngagement(ctx, evt.AttemptID, evt.Kind, evt.Timestamp)
	switch {
	case errors.Is(err, delivery.ErrAttemptNotFound):
		metrics.RecordEngagement(string(evt.Kind), "dropped")
		logger.Warn("engagement for unknown attempt", "attempt_id", evt.AttemptID, "kind", evt.Kind)
		return nil
	case err != nil:
		return fmt.Errorf("record %s: %w", evt.Kind, err)
	case first:
		metrics.RecordEngagement(string(evt.Kind), "recorded")
	default:
		metrics.RecordEngagement(string(evt.Kind), "duplicate")
	}
	return nil
}

// DirectSink records events synchronously. Used when no queue is configured.
type DirectSink struct {
	rec Recorder
}

// NewDirectSink wraps a recorder.
func NewDirectSink(rec Recorder) *DirectSink {
	return &DirectSink{rec: rec}
}

func (d *DirectSink) Publish(ctx context.Context, evt Event) error {
	return Record(ctx, d.rec, evt)
}

// SQSAPI is the subset of the SQS client the tracking queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSPublisher queues events for the worker's consumer.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	timeout  time.Duration
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL, timeout: 5 * time.Second}
}

// Publish sends evt. The send is not cut short when ctx is cancelled.
func (p *SQSPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal tracking event: %w", err)
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	_, err = p.client.SendMessage(sendCtx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish tracking event: %w", err)
	}
	return nil
}
