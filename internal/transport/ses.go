// Package transport holds the channel adapters behind sending.Transport:
// SES for email, HTTP webhooks for SMS and push, and a Redis rate limiter
// that can wrap any of them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/service/sending"
)

// SESAPI is the slice of the sesv2 client the adapter uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES email transport.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	FromEmail        string
	FromName         string
	ConfigurationSet string
}

// SES error codes that mean the account cannot send anything at all.
var sesUnavailableCodes = map[string]bool{
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"MailFromDomainNotVerifiedException": true,
}

// SESTransport sends email through AWS SES v2.
type SESTransport struct {
	client    SESAPI
	from      string
	configSet string
}

// NewSESClient builds a sesv2 client. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewSESClient(ctx context.Context, cfg SESConfig) (*sesv2.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Printf("[SES] Client initialised (region=%s)", region)
	return sesv2.NewFromConfig(awsCfg), nil
}

// NewSES creates the email transport.
func NewSES(client SESAPI, cfg SESConfig) *SESTransport {
	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail)
	}
	return &SESTransport{client: client, from: from, configSet: cfg.ConfigurationSet}
}

// Send delivers one email.
func (s *SESTransport) Send(ctx context.Context, msg *domain.Message) (*domain.SendResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%w: SES client not initialised", sending.ErrTransportUnavailable)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.Address}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("attempt_id"), Value: aws.String(msg.AttemptID)},
		},
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, mapSESError(err)
	}

	logger.Debug("ses message accepted", "address", msg.Address, "message_id", aws.ToString(out.MessageId))
	return &domain.SendResult{MessageID: aws.ToString(out.MessageId), SentAt: time.Now().UTC()}, nil
}

// mapSESError turns an SDK error into the shared transport error shape.
func mapSESError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &sending.TransportError{Protocol: sending.ProtocolAPI, Message: err.Error(), Err: err}
	}

	code := apiErr.ErrorCode()
	if sesUnavailableCodes[code] {
		return fmt.Errorf("%w: ses %s: %s", sending.ErrTransportUnavailable, code, apiErr.ErrorMessage())
	}
	return &sending.TransportError{
		Protocol:  sending.ProtocolAPI,
		Code:      code,
		Message:   apiErr.ErrorMessage(),
		Temporary: apiErr.ErrorFault() == smithy.FaultServer || strings.Contains(strings.ToLower(code), "throttl"),
		Err:       err,
	}
}
