// Package stdout implements a Mailer that prints emails to standard output.
// It is meant for local development without cloud credentials.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/acs-smtp-relay/internal/errs"
	"github.com/shineum/acs-smtp-relay/internal/parser"
	"github.com/shineum/acs-smtp-relay/internal/provider"
)

const separator = "========================================\n"

// Mailer prints email messages in a human-readable format.
type Mailer struct {
	mu     sync.Mutex
	writer io.Writer
	sender provider.SenderPolicy
}

// New creates a Mailer that writes to os.Stdout.
func New(sender provider.SenderPolicy) *Mailer {
	return NewWithWriter(os.Stdout, sender)
}

// NewWithWriter creates a Mailer that writes to the given writer.
func NewWithWriter(w io.Writer, sender provider.SenderPolicy) *Mailer {
	return &Mailer{writer: w, sender: sender}
}

// Name returns the provider name.
func (m *Mailer) Name() string {
	return "stdout"
}

// Send parses raw and prints it. It applies the same recipient and content
// checks as the real backends so local runs surface the same failures.
func (m *Mailer) Send(_ context.Context, raw []byte, recipients []string, from string) error {
	if len(recipients) == 0 {
		return errs.New(errs.MissingRecipients, "no recipients")
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		return err
	}
	if !msg.HasContent() {
		return errs.New(errs.MissingContent, "email content is empty (both text and html)")
	}

	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Sender: %s\n", m.sender.Resolve(from))
	fmt.Fprintf(&b, "Recipients: %s\n", strings.Join(recipients, ", "))
	if msg.From != "" {
		fmt.Fprintf(&b, "From: %s\n", msg.From)
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.SubjectOrDefault())
	b.WriteString("Body:\n")

	body, ok := msg.PlainText()
	if !ok {
		body, _ = msg.HTML()
	}
	b.WriteString(strings.TrimRight(body, "\r\n") + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := io.WriteString(m.writer, b.String()); err != nil {
		return &errs.Error{Kind: errs.ConnectionLost, Detail: "failed to write message", Err: err}
	}
	return nil
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
