// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"log/slog"
	"mime"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/acs-smtp-relay/internal/email"
	"github.com/shineum/acs-smtp-relay/internal/errs"
)

// mimeParser never synthesizes a text body from HTML.
var mimeParser = enmime.NewParser(enmime.DisableTextConversion(true))

// Parse parses a raw RFC 5322 email message into an Email struct.
// The first text/plain and text/html parts become the bodies; attachments
// and inline parts with a filename are collected. Recoverable MIME defects
// are logged as warnings.
func Parse(raw []byte) (*email.Email, error) {
	env, err := mimeParser.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.Wrap(errs.ParseFailed, err)
	}

	for _, perr := range env.Errors {
		slog.Warn("MIME defect in message",
			"name", perr.Name,
			"detail", perr.Detail,
			"severe", perr.Severe,
		)
	}

	result := &email.Email{
		From:      env.GetHeader("From"),
		Subject:   env.GetHeader("Subject"),
		MessageID: env.GetHeader("Message-Id"),
		To:        addressList(env, "To"),
		Cc:        addressList(env, "Cc"),
		TextBody:  firstTextBody(env),
		HTMLBody:  env.HTML,
	}

	for _, part := range env.Attachments {
		result.Attachments = append(result.Attachments, toAttachment(part))
	}
	for _, part := range env.Inlines {
		if part.FileName == "" {
			continue
		}
		result.Attachments = append(result.Attachments, toAttachment(part))
	}

	return result, nil
}

// firstTextBody returns the first non-attachment text/plain part in
// document order. For multipart/mixed enmime joins every such part into
// env.Text, so the tree is walked instead.
func firstTextBody(env *enmime.Envelope) string {
	if env.Root == nil || !strings.HasPrefix(env.Root.ContentType, "multipart/") {
		return env.Text
	}
	part := env.Root.DepthMatchFirst(func(p *enmime.Part) bool {
		return p.ContentType == "text/plain" && p.Disposition != "attachment"
	})
	if part == nil {
		return ""
	}
	return string(part.Content)
}

// toAttachment converts an enmime part, generating a fallback filename from
// the media type when the part has none.
func toAttachment(part *enmime.Part) email.Attachment {
	name := part.FileName
	if name == "" {
		name = "attachment"
		if mediaType, _, err := mime.ParseMediaType(part.ContentType); err == nil {
			if _, sub, ok := strings.Cut(mediaType, "/"); ok {
				name = "attachment." + sub
			}
		}
	}
	return email.Attachment{
		Filename:    name,
		ContentType: part.ContentType,
		Content:     part.Content,
	}
}

// addressList returns the bare addresses of an address header. Headers that
// fail RFC 5322 parsing fall back to a simple comma split.
func addressList(env *enmime.Envelope, header string) []string {
	addrs, err := env.AddressList(header)
	if err == nil {
		result := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			result = append(result, addr.Address)
		}
		return result
	}

	raw := env.GetHeader(header)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
