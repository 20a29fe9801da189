// Package acs implements a Mailer that sends emails via the Azure
// Communication Services email API with HMAC-SHA256 request signing.
package acs

import (
	"github.com/shineum/acs-smtp-relay/internal/email"
	"github.com/shineum/acs-smtp-relay/internal/errs"
)

// emailRequest is the request body for the emails:send endpoint.
type emailRequest struct {
	SenderAddress string       `json:"senderAddress"`
	Content       emailContent `json:"content"`
	Recipients    recipients   `json:"recipients"`
}

// emailContent carries the subject and bodies. Absent bodies are omitted
// entirely; the API rejects explicit nulls.
type emailContent struct {
	Subject   string `json:"subject"`
	PlainText string `json:"plainText,omitempty"`
	HTML      string `json:"html,omitempty"`
}

type recipients struct {
	To []emailAddress `json:"to"`
}

type emailAddress struct {
	Address string `json:"address"`
}

// buildEmailRequest converts a parsed message into the API payload.
// Recipients keep their envelope order.
func buildEmailRequest(msg *email.Email, to []string, sender string) (*emailRequest, error) {
	if len(to) == 0 {
		return nil, errs.New(errs.MissingRecipients, "cannot build message with no recipients")
	}

	text, hasText := msg.PlainText()
	html, hasHTML := msg.HTML()
	if !hasText && !hasHTML {
		return nil, errs.New(errs.MissingContent, "email content is empty (both text and html)")
	}

	addrs := make([]emailAddress, 0, len(to))
	for _, addr := range to {
		addrs = append(addrs, emailAddress{Address: addr})
	}

	return &emailRequest{
		SenderAddress: sender,
		Content: emailContent{
			Subject:   msg.SubjectOrDefault(),
			PlainText: text,
			HTML:      html,
		},
		Recipients: recipients{To: addrs},
	}, nil
}
