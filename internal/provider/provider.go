// Package provider defines the capability interface for email delivery
// backends and the sender selection policy they share.
package provider

import (
	"context"
)

// Mailer is the single operation the SMTP layer depends on. Each backend
// turns a raw message plus its envelope into one delivery attempt
// (ACS, SES, stdout, or a test double).
type Mailer interface {
	// Send relays raw message bytes to the given envelope recipients. from
	// is the envelope sender as received, or empty when none was given.
	// Failures are returned as *errs.Error values.
	Send(ctx context.Context, raw []byte, recipients []string, from string) error

	// Name returns the human-readable name of this backend.
	Name() string
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, raw []byte, recipients []string, from string) error

// Send calls f.
func (f MailerFunc) Send(ctx context.Context, raw []byte, recipients []string, from string) error {
	return f(ctx, raw, recipients, from)
}

// Name returns "func".
func (f MailerFunc) Name() string {
	return "func"
}
