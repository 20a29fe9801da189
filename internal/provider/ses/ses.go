// Package ses implements a Mailer that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/acs-smtp-relay/internal/email"
	"github.com/shineum/acs-smtp-relay/internal/errs"
	"github.com/shineum/acs-smtp-relay/internal/parser"
	"github.com/shineum/acs-smtp-relay/internal/provider"
)

// Config holds the configuration for creating a Mailer.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          provider.SenderPolicy
}

// Mailer sends emails via the AWS SES v2 API.
type Mailer struct {
	sender provider.SenderPolicy
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new Mailer with the given configuration. The SDK's own
// retryer is limited to one attempt so a failure reaches the SMTP client
// promptly.
func New(ctx context.Context, cfg Config) (*Mailer, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &errs.Error{Kind: errs.InvalidConnectionString, Detail: "failed to load AWS config", Err: err}
	}

	return &Mailer{
		sender: cfg.Sender,
		client: sesv2.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates a Mailer with a custom client, used for testing.
func NewWithClient(sender provider.SenderPolicy, client SendEmailAPI) *Mailer {
	return &Mailer{
		sender: sender,
		client: client,
	}
}

// Name returns the provider name.
func (m *Mailer) Name() string {
	return "ses"
}

// Send delivers a message via AWS SES v2. Messages with attachments are
// passed through as raw MIME; everything else uses the simple format.
func (m *Mailer) Send(ctx context.Context, raw []byte, recipients []string, from string) error {
	if len(recipients) == 0 {
		return errs.New(errs.MissingRecipients, "no recipients")
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		return err
	}
	if !msg.HasContent() && len(msg.Attachments) == 0 {
		return errs.New(errs.MissingContent, "email content is empty (both text and html)")
	}

	sender := m.sender.Resolve(from)

	var input *sesv2.SendEmailInput
	if len(msg.Attachments) > 0 {
		input = buildRawInput(sender, recipients, raw)
	} else {
		input = buildSimpleInput(sender, recipients, msg)
	}

	out, err := m.client.SendEmail(ctx, input)
	if err != nil {
		slog.Warn("SES API error", "error", err)
		return classifyError(err)
	}

	slog.Info("email accepted by SES", "message_id", aws.ToString(out.MessageId))
	return nil
}

// buildSimpleInput creates a SendEmailInput for emails without attachments.
func buildSimpleInput(sender string, recipients []string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}

	if html, ok := msg.HTML(); ok {
		body.Html = &types.Content{
			Data:    aws.String(html),
			Charset: aws.String("UTF-8"),
		}
	}
	if text, ok := msg.PlainText(); ok {
		body.Text = &types.Content{
			Data:    aws.String(text),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: recipients},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.SubjectOrDefault()),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawInput forwards the received message bytes unchanged.
func buildRawInput(sender string, recipients []string, raw []byte) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: recipients},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
}

// classifyError maps an SDK error onto the relay's error kinds.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "Throttling", "ThrottlingException":
			return &errs.Error{Kind: errs.RateLimited, Detail: apiErr.ErrorMessage(), Err: err}
		case "AccessDeniedException", "AccountSuspendedException", "SendingPausedException":
			return &errs.Error{Kind: errs.Unauthorized, Detail: apiErr.ErrorMessage(), Err: err}
		case "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch":
			return &errs.Error{Kind: errs.AuthenticationFailed, Detail: apiErr.ErrorMessage(), Err: err}
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		e := errs.FromStatus(statusErr.HTTPStatusCode(), "")
		e.Err = err
		return e
	}

	return errs.FromTransport(err)
}
