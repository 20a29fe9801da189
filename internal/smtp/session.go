package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/acs-smtp-relay/internal/errs"
	"github.com/shineum/acs-smtp-relay/internal/metrics"
	"github.com/shineum/acs-smtp-relay/internal/provider"
)

// DefaultIdleTimeout bounds every read from the client.
const DefaultIdleTimeout = 5 * time.Minute

// DefaultMaxMessageSize is the default DATA ceiling (25 MiB).
const DefaultMaxMessageSize = 25 * 1024 * 1024

// maxCommandLine bounds a single command line, including its ending.
const maxCommandLine = 4096

// Transaction is the state of one mail submission attempt.
type Transaction struct {
	// From is the envelope sender; HasFrom reports whether MAIL FROM was
	// seen. The null sender "<>" sets HasFrom with an empty From.
	From       string
	HasFrom    bool
	Recipients []string
	Data       bytes.Buffer
}

func (t *Transaction) reset() {
	t.From = ""
	t.HasFrom = false
	t.Recipients = nil
	t.Data.Reset()
}

// SessionConfig holds the per-session settings shared by every connection.
type SessionConfig struct {
	Hostname       string
	Mailer         provider.Mailer
	MaxMessageSize int
	IdleTimeout    time.Duration
	Metrics        metrics.Sink
}

func (c *SessionConfig) applyDefaults() {
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop{}
	}
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cfg    SessionConfig
	log    *slog.Logger

	tx Transaction
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	cfg.applyDefaults()

	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		cfg:    cfg,
		log: slog.With(
			"conn_id", uuid.NewString(),
			"peer_addr", conn.RemoteAddr().String(),
		),
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, sends QUIT, or an error occurs. ctx is passed to the mailer.
func (s *Session) Handle(ctx context.Context) {
	s.cfg.Metrics.ConnectionOpened()
	defer s.cfg.Metrics.ConnectionClosed()
	defer s.conn.Close()

	s.log.Info("new connection")

	if err := s.writeLine("220 %s ESMTP ready", s.cfg.Hostname); err != nil {
		return
	}

	for {
		line, err := s.readLine(maxCommandLine)
		if errors.Is(err, errLineTooLong) {
			if s.protocolError(errs.InvalidCommand, "command line too long", "500 Line too long") {
				return
			}
			continue
		}
		if err != nil {
			s.logReadError(err)
			return
		}

		cmd, arg := parseCommand(string(trimLineEnding(line)))
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		return s.handleHELO(cmd, arg)
	case "AUTH":
		return s.handleAUTH(arg)
	case "MAIL":
		return s.handleMAIL(arg)
	case "RCPT":
		return s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.tx.reset()
		return s.writeLine("250 OK") != nil
	case "QUIT":
		s.writeLine("221 Bye")
		s.closeWrite()
		s.log.Info("client quit")
		return true
	default:
		return s.protocolError(errs.InvalidCommand, "unrecognized command "+cmd, "500 Syntax error, command unrecognized")
	}
}

// handleHELO processes EHLO/HELO. Both discard any pending transaction.
func (s *Session) handleHELO(cmd, arg string) bool {
	s.tx.reset()

	if cmd == "HELO" {
		return s.writeLine("250 %s", s.cfg.Hostname) != nil
	}

	if s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg) != nil {
		return true
	}
	return s.writeLine("250 AUTH PLAIN") != nil
}

// handleAUTH accepts AUTH PLAIN without validating credentials.
func (s *Session) handleAUTH(arg string) bool {
	parts := strings.SplitN(strings.TrimSpace(arg), " ", 2)
	if !strings.EqualFold(parts[0], "PLAIN") {
		return s.writeLine("504 Unrecognized authentication type") != nil
	}

	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		if s.writeLine("334 ") != nil {
			return true
		}
		line, err := s.readLine(maxCommandLine)
		if err != nil {
			s.logReadError(err)
			return true
		}
		encoded = string(trimLineEnding(line))
	}

	if identity, err := plainIdentity(encoded); err == nil {
		s.log.Info("AUTH PLAIN accepted", "identity", identity)
	} else {
		s.log.Debug("AUTH PLAIN response not decodable", "error", err)
	}

	return s.writeLine("235 Authentication successful") != nil
}

// handleMAIL processes the MAIL FROM command. A repeated MAIL FROM starts
// a fresh transaction.
func (s *Session) handleMAIL(arg string) bool {
	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		return s.protocolError(errs.InvalidCommand, "malformed MAIL command", "500 Syntax error, command unrecognized")
	}

	s.tx.reset()
	s.tx.From = extractAddress(rest)
	s.tx.HasFrom = true
	return s.writeLine("250 OK") != nil
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) bool {
	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		return s.protocolError(errs.InvalidCommand, "malformed RCPT command", "500 Syntax error, command unrecognized")
	}

	if !s.tx.HasFrom {
		return s.protocolError(errs.MissingFrom, "RCPT before MAIL", "503 Bad sequence of commands")
	}

	addr := extractAddress(rest)
	if addr == "" {
		return s.protocolError(errs.InvalidAddress, "empty recipient", "501 Syntax: RCPT TO:<address>")
	}

	s.tx.Recipients = append(s.tx.Recipients, addr)
	return s.writeLine("250 OK") != nil
}

// handleDATA reads the message body and relays it.
func (s *Session) handleDATA(ctx context.Context) bool {
	if !s.tx.HasFrom {
		return s.protocolError(errs.InvalidSequence, "DATA before MAIL", "503 Bad sequence of commands")
	}
	if len(s.tx.Recipients) == 0 {
		return s.protocolError(errs.NoRecipients, "DATA without recipients", "503 Bad sequence of commands")
	}

	if s.writeLine("354 End data with <CR><LF>.<CR><LF>") != nil {
		return true
	}

	limit := s.cfg.MaxMessageSize
	for {
		// Room for the terminator and one stuffed dot beyond the remaining budget.
		line, err := s.readLine(limit - s.tx.Data.Len() + 3)
		if errors.Is(err, errLineTooLong) {
			return s.rejectTooLarge()
		}
		if err != nil {
			s.logReadError(err)
			s.cfg.Metrics.ProtocolError(errs.DataCorrupted.String())
			return true
		}

		content := trimLineEnding(line)
		if len(content) == 1 && content[0] == '.' {
			break
		}
		if len(content) > 1 && content[0] == '.' {
			line = line[1:]
		}

		if s.tx.Data.Len()+len(line) > limit {
			return s.rejectTooLarge()
		}
		s.tx.Data.Write(line)
	}

	done := s.relay(ctx)
	s.tx.reset()
	return done
}

// relay hands the completed transaction to the mailer and replies.
func (s *Session) relay(ctx context.Context) bool {
	raw := s.tx.Data.Bytes()
	s.cfg.Metrics.BytesProcessed(len(raw))

	s.log.Info("received email data, relaying",
		"email_size", len(raw),
		"recipients", len(s.tx.Recipients),
		"provider", s.cfg.Mailer.Name(),
	)

	start := time.Now()
	err := s.cfg.Mailer.Send(ctx, raw, s.tx.Recipients, s.tx.From)
	s.cfg.Metrics.RelayDuration(time.Since(start))

	if err != nil {
		kind := "unknown"
		if k, ok := errs.KindOf(err); ok {
			kind = k.String()
		}
		s.cfg.Metrics.EmailFailed(kind)
		s.log.Error("failed to relay email",
			"provider", s.cfg.Mailer.Name(),
			"kind", kind,
			"error", err,
		)
		return s.writeLine("451 Requested action aborted: local error in processing") != nil
	}

	s.cfg.Metrics.EmailSent()
	s.log.Info("successfully relayed email", "provider", s.cfg.Mailer.Name())
	return s.writeLine("250 OK: Queued for delivery") != nil
}

func (s *Session) rejectTooLarge() bool {
	s.log.Error("email size exceeds maximum limit",
		"size", s.tx.Data.Len(),
		"max_size", s.cfg.MaxMessageSize,
	)
	s.cfg.Metrics.ProtocolError(errs.MessageTooLarge.String())
	s.writeLine("552 Requested mail action aborted: exceeded storage allocation")
	return true
}

// protocolError records a rejected command and sends reply. It returns
// true when the reply could not be written.
func (s *Session) protocolError(kind errs.Kind, detail, reply string) bool {
	s.log.Warn("protocol error", "kind", kind.String(), "detail", detail)
	s.cfg.Metrics.ProtocolError(kind.String())
	return s.writeLine("%s", reply) != nil
}

// readLine reads one line under the idle timeout.
func (s *Session) readLine(limit int) ([]byte, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
		return nil, err
	}
	return readLine(s.reader, limit)
}

func (s *Session) logReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		s.log.Info("client disconnected")
	case errors.As(err, &netErr) && netErr.Timeout():
		s.log.Warn("idle timeout, closing connection")
	default:
		s.log.Debug("connection read error", "error", err)
	}
}

// closeWrite half-closes the connection when the transport supports it.
func (s *Session) closeWrite() {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			s.log.Debug("failed to close write side", "error", err)
		}
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) error {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.log.Debug("failed to write to client", "error", err)
		return err
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", "error", err)
		return err
	}
	return nil
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats. ESMTP parameters after
// the address are dropped.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return strings.TrimSpace(s[1:])
		}
		return strings.TrimSpace(s[1:end])
	}

	// Bare address format
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, ">")
}
