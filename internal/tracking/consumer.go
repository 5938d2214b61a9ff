package tracking

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Consumer drains the tracking queue into the tracking store.
type Consumer struct {
	client   SQSAPI
	queueURL string
	rec      Recorder

	waitSeconds int32
	errorDelay  time.Duration
}

// NewConsumer creates a consumer for queueURL.
func NewConsumer(client SQSAPI, queueURL string, rec Recorder) *Consumer {
	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		rec:         rec,
		waitSeconds: 20,
		errorDelay:  5 * time.Second,
	}
}

// Start long-polls the queue until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	log.Printf("[TrackingConsumer] Started (queue=%s)", c.queueURL)
	for {
		if ctx.Err() != nil {
			log.Println("[TrackingConsumer] Stopping")
			return
		}
		n, err := c.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("tracking queue receive", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.errorDelay):
			}
			continue
		}
		if n > 0 {
			logger.Debug("tracking events processed", "count", n)
		}
	}
}

// PollOnce receives one batch and returns how many events were recorded.
// Malformed messages are deleted; messages that fail to record are left on
// the queue for redelivery.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, msg := range out.Messages {
		var evt Event
		if msg.Body == nil || json.Unmarshal([]byte(*msg.Body), &evt) != nil || evt.AttemptID == "" {
			logger.Warn("dropping malformed tracking message")
			c.delete(ctx, msg.ReceiptHandle)
			continue
		}
		if err := Record(ctx, c.rec, evt); err != nil {
			logger.Error("tracking event not recorded", "attempt_id", evt.AttemptID, "error", err)
			continue
		}
		c.delete(ctx, msg.ReceiptHandle)
		recorded++
	}
	return recorded, nil
}

func (c *Consumer) delete(ctx context.Context, handle *string) {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	}); err != nil {
		logger.Warn("delete tracking message", "error", err)
	}
}
