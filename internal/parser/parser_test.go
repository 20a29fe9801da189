package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/acs-smtp-relay/internal/errs"
)

func TestParsePlainTextEmail(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "sender@example.com", msg.From)
	assert.Equal(t, []string{"recipient@example.com"}, msg.To)
	assert.Equal(t, "Test Subject", msg.Subject)
	assert.Equal(t, "<test123@example.com>", msg.MessageID)
	assert.Equal(t, "Hello, this is a plain text email.", strings.TrimSpace(msg.TextBody))
	_, hasHTML := msg.HTML()
	assert.False(t, hasHTML, "HTMLBody: got %q, want absent", msg.HTMLBody)
	assert.Empty(t, msg.Attachments)
}

func TestParseMultipartTextAndHTML(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: alice@example.com, bob@example.com",
		"Cc: carol@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, msg.To)
	assert.Equal(t, []string{"carol@example.com"}, msg.Cc)
	assert.Equal(t, "Plain text body", strings.TrimSpace(msg.TextBody))
	assert.Contains(t, msg.HTMLBody, "<p>HTML body</p>")
}

func TestParseHTMLOnly(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: HTML only",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Only markup</p>",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)

	html, ok := msg.HTML()
	assert.True(t, ok)
	assert.Contains(t, html, "Only markup")
	assert.True(t, msg.HasContent())

	// No plain-text part exists, so none may be derived from the markup.
	text, hasText := msg.PlainText()
	assert.False(t, hasText, "PlainText(): got %q, want absent", text)
	assert.Empty(t, msg.TextBody)
}

func TestParseMultipartHTMLOnly(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: HTML in mixed",
		"Content-Type: multipart/mixed; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/html",
		"",
		"<p>Hi</p>",
		"--b1--",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)

	_, hasText := msg.PlainText()
	assert.False(t, hasText)
	assert.Contains(t, msg.HTMLBody, "<p>Hi</p>")
}

func TestParseMixedUsesFirstTextPart(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: Two text parts",
		"Content-Type: multipart/mixed; boundary=mix",
		"",
		"--mix",
		"Content-Type: text/plain",
		"",
		"first",
		"--mix",
		"Content-Type: text/plain",
		"",
		"second",
		"--mix--",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "first", strings.TrimSpace(msg.TextBody))
}

func TestParseEmptyBody(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: Nothing here",
		"Content-Type: text/plain",
		"",
		"",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.False(t, msg.HasContent(), "got text=%q html=%q", msg.TextBody, msg.HTMLBody)
}

func TestParseEncodedSubject(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: =?UTF-8?Q?Caf=C3=A9?=",
		"Content-Type: text/plain",
		"",
		"body",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Café", msg.Subject)
}

func TestParseMissingSubjectUsesDefault(t *testing.T) {
	t.Parallel()

	raw := []byte("From: sender@example.com\r\nContent-Type: text/plain\r\n\r\nbody\r\n")

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "No Subject", msg.SubjectOrDefault())
}

func TestParseEmailWithAttachments(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: With Attachment",
		"Content-Type: multipart/mixed; boundary=mixedboundary",
		"",
		"--mixedboundary",
		"Content-Type: text/plain",
		"",
		"Email body text",
		"--mixedboundary",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--mixedboundary--",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "Email body text", strings.TrimSpace(msg.TextBody))
	require.Len(t, msg.Attachments, 1)

	att := msg.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, "Hello World", string(att.Content))
}

func TestParseNestedMultipart(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Nested Multipart",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"Plain text part",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>HTML part</p>",
		"--inner--",
		"--outer",
		"Content-Type: application/octet-stream; name=\"data.bin\"",
		"Content-Disposition: attachment; filename=\"data.bin\"",
		"",
		"binarydata",
		"--outer--",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "Plain text part", strings.TrimSpace(msg.TextBody))
	assert.Contains(t, msg.HTMLBody, "<p>HTML part</p>")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "data.bin", msg.Attachments[0].Filename)
}

func TestParseEmptyAddressFields(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: No To",
		"Content-Type: text/plain",
		"",
		"Body",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Empty(t, msg.To)
	assert.Empty(t, msg.Cc)
}

func TestParseMultipartWithoutBoundary(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: Broken",
		"Content-Type: multipart/mixed",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"body",
		"--b1--",
	}, "\r\n"))

	msg, err := Parse(raw)
	require.ErrorIs(t, err, errs.ErrParseFailed)
	assert.Nil(t, msg)
}
