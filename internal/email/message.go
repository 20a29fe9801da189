// Package email defines the core email data model used throughout the relay.
package email

import "strings"

// DefaultSubject is used when a message carries no Subject header.
const DefaultSubject = "No Subject"

// EmptyHTMLPlaceholder is the empty document some MIME parsers synthesize
// for messages without an HTML part. An HTML body equal to it is treated as
// absent.
const EmptyHTMLPlaceholder = "<html><body></body></html>"

// Email represents a parsed email message with all its components.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SubjectOrDefault returns the subject, or DefaultSubject when it is empty.
func (e *Email) SubjectOrDefault() string {
	if strings.TrimSpace(e.Subject) == "" {
		return DefaultSubject
	}
	return e.Subject
}

// PlainText returns the text body and whether it carries any content.
func (e *Email) PlainText() (string, bool) {
	if strings.TrimSpace(e.TextBody) == "" {
		return "", false
	}
	return e.TextBody, true
}

// HTML returns the HTML body and whether it carries any content.
func (e *Email) HTML() (string, bool) {
	trimmed := strings.TrimSpace(e.HTMLBody)
	if trimmed == "" || trimmed == EmptyHTMLPlaceholder {
		return "", false
	}
	return e.HTMLBody, true
}

// HasContent reports whether either body is present.
func (e *Email) HasContent() bool {
	_, hasText := e.PlainText()
	_, hasHTML := e.HTML()
	return hasText || hasHTML
}
