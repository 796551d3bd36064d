package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"
)

// SESSender delivers messages through AWS SES using the SDK v2.
type SESSender struct {
	fromEmail string
	fromName  string
	client    *sesv2.Client
	log       zerolog.Logger
}

// NewSESSender creates an SES sender with static credentials. The from
// identity must be verified in the target SES account.
func NewSESSender(accessKey, secretKey, region, fromEmail, fromName string, log zerolog.Logger) (*SESSender, error) {
	if region == "" {
		region = "us-east-1"
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("ses: credentials not configured")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("ses: load AWS config: %w", err)
	}

	return &SESSender{
		fromEmail: fromEmail,
		fromName:  fromName,
		client:    sesv2.NewFromConfig(cfg),
		log:       log.With().Str("component", "ses").Logger(),
	}, nil
}

// Send delivers a single message through SES. Known SES rejections are
// translated into *ProviderError so the classifier sees the same shape
// as for HTTP providers.
func (s *SESSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	from := s.fromEmail
	if s.fromName != "" {
		from = fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Body != "" {
		body.Text = &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if msg.Tag != "" {
		input.EmailTags = []types.MessageTag{
			{Name: aws.String("tag"), Value: aws.String(msg.Tag)},
		}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, translateSESError(err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	s.log.Debug().Str("message_id", messageID).Msg("sent")

	return &Result{MessageID: messageID, SentAt: time.Now()}, nil
}

func translateSESError(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return &ProviderError{StatusCode: http.StatusBadRequest, Code: "message_rejected", Message: rejected.ErrorMessage()}
	}
	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return &ProviderError{StatusCode: http.StatusBadRequest, Code: "mail_from_not_verified", Message: notVerified.ErrorMessage()}
	}
	var suspended *types.AccountSuspendedException
	if errors.As(err, &suspended) {
		return &ProviderError{StatusCode: http.StatusForbidden, Code: "account_suspended", Message: suspended.ErrorMessage()}
	}
	var paused *types.SendingPausedException
	if errors.As(err, &paused) {
		return &ProviderError{StatusCode: http.StatusForbidden, Code: "sending_paused", Message: paused.ErrorMessage()}
	}
	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return &ProviderError{StatusCode: http.StatusTooManyRequests, Code: "too_many_requests", Message: tooMany.ErrorMessage()}
	}
	var limit *types.LimitExceededException
	if errors.As(err, &limit) {
		return &ProviderError{StatusCode: http.StatusTooManyRequests, Code: "limit_exceeded", Message: limit.ErrorMessage()}
	}
	// Anything else (throttling at the SDK level, network failures) is
	// left untouched for the classifier.
	return fmt.Errorf("ses: send: %w", err)
}
