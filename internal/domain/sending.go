package domain

import "time"

// Message is the fully-resolved message handed to a transport.
// By the time a message reaches this struct, all personalisation and
// tracking injection is complete.
type Message struct {
	AttemptID   string            `json:"attemptId"`
	CampaignID  string            `json:"campaignId"`
	RecipientID string            `json:"recipientId"`
	Channel     CampaignType      `json:"channel"`
	Address     string            `json:"address"`
	Subject     string            `json:"subject,omitempty"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a transport after a successful delivery.
type SendResult struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

// SchedulerState is the retry scheduler's process-wide bookkeeping. It is
// written only by the scheduler.
type SchedulerState struct {
	LastRetryProcessRun *time.Time `json:"lastRetryProcessRun"`
	NextRetryProcessRun *time.Time `json:"nextRetryProcessRun"`
	QueueSize           int        `json:"queueSize"`
	LastRequeued        int        `json:"lastRequeued"`
	LastExhausted       int        `json:"lastExhausted"`
	LastStarted         int        `json:"lastStarted"`
	Owner               string     `json:"owner,omitempty"`
}
