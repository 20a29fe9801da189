// Package errs defines the closed error taxonomy shared by the relay.
// Every failure that crosses a component boundary is an *Error carrying
// exactly one Kind, so callers select behaviour without string inspection.
package errs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
)

// Category groups kinds by how they are recovered.
type Category int

const (
	// CategoryConfig errors are fatal at startup.
	CategoryConfig Category = iota + 1
	// CategoryProtocol errors are answered with an SMTP reply.
	CategoryProtocol
	// CategoryProvider errors come from the email API.
	CategoryProvider
	// CategoryContent errors mean the message could not be turned into a request.
	CategoryContent
	// CategoryNetwork errors are transport failures.
	CategoryNetwork
)

// String returns the lowercase category name.
func (c Category) String() string {
	switch c {
	case CategoryConfig:
		return "config"
	case CategoryProtocol:
		return "protocol"
	case CategoryProvider:
		return "provider"
	case CategoryContent:
		return "content"
	case CategoryNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Kind identifies a single error case.
type Kind int

const (
	// Configuration
	InvalidConnectionString Kind = iota + 1
	MissingEndpoint
	MissingAccessKey
	InvalidSenderAddress
	InvalidDomain
	InvalidPort
	InvalidLimit

	// SMTP protocol
	InvalidCommand
	InvalidSequence
	MessageTooLarge
	InvalidAddress
	MissingFrom
	NoRecipients
	DataCorrupted

	// Email API
	AuthenticationFailed
	Unauthorized
	RateLimited
	ServiceUnavailable
	APIRequest
	InvalidResponse

	// Message content
	ParseFailed
	MissingSubject
	MissingContent
	MissingRecipients
	InvalidEncoding

	// Transport
	ConnectionLost
	Timeout
	DNSResolution
	TLSHandshake
)

var kindNames = map[Kind]string{
	InvalidConnectionString: "invalid_connection_string",
	MissingEndpoint:         "missing_endpoint",
	MissingAccessKey:        "missing_access_key",
	InvalidSenderAddress:    "invalid_sender_address",
	InvalidDomain:           "invalid_domain",
	InvalidPort:             "invalid_port",
	InvalidLimit:            "invalid_limit",
	InvalidCommand:          "invalid_command",
	InvalidSequence:         "invalid_sequence",
	MessageTooLarge:         "message_too_large",
	InvalidAddress:          "invalid_address",
	MissingFrom:             "missing_from",
	NoRecipients:            "no_recipients",
	DataCorrupted:           "data_corrupted",
	AuthenticationFailed:    "authentication_failed",
	Unauthorized:            "unauthorized",
	RateLimited:             "rate_limited",
	ServiceUnavailable:      "service_unavailable",
	APIRequest:              "api_request",
	InvalidResponse:         "invalid_response",
	ParseFailed:             "parse_failed",
	MissingSubject:          "missing_subject",
	MissingContent:          "missing_content",
	MissingRecipients:       "missing_recipients",
	InvalidEncoding:         "invalid_encoding",
	ConnectionLost:          "connection_lost",
	Timeout:                 "timeout",
	DNSResolution:           "dns_resolution",
	TLSHandshake:            "tls_handshake",
}

// String returns the snake_case kind name, suitable as a metric label.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Category returns the category the kind belongs to.
func (k Kind) Category() Category {
	switch {
	case k >= InvalidConnectionString && k <= InvalidLimit:
		return CategoryConfig
	case k >= InvalidCommand && k <= DataCorrupted:
		return CategoryProtocol
	case k >= AuthenticationFailed && k <= InvalidResponse:
		return CategoryProvider
	case k >= ParseFailed && k <= InvalidEncoding:
		return CategoryContent
	case k >= ConnectionLost && k <= TLSHandshake:
		return CategoryNetwork
	default:
		return 0
	}
}

// Error is the tagged error value. Status and Body are only set for
// provider errors that carry an HTTP response.
type Error struct {
	Kind   Kind
	Status int
	Body   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.Kind.Category(), e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for use with errors.Is.
var (
	ErrAuthenticationFailed = &Error{Kind: AuthenticationFailed}
	ErrUnauthorized         = &Error{Kind: Unauthorized}
	ErrRateLimited          = &Error{Kind: RateLimited}
	ErrServiceUnavailable   = &Error{Kind: ServiceUnavailable}
	ErrAPIRequest           = &Error{Kind: APIRequest}
	ErrMissingContent       = &Error{Kind: MissingContent}
	ErrMissingRecipients    = &Error{Kind: MissingRecipients}
	ErrParseFailed          = &Error{Kind: ParseFailed}
	ErrTimeout              = &Error{Kind: Timeout}
)

// New creates an error of the given kind with a short detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf is New with fmt formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// FromStatus classifies a non-2xx email API response.
func FromStatus(status int, body string) *Error {
	switch {
	case status == 401:
		return &Error{Kind: AuthenticationFailed, Status: status, Body: body}
	case status == 403:
		return &Error{Kind: Unauthorized, Status: status, Body: body}
	case status == 429:
		return &Error{Kind: RateLimited, Status: status, Body: body}
	case status >= 502 && status <= 504:
		return &Error{Kind: ServiceUnavailable, Status: status, Body: body}
	default:
		return &Error{Kind: APIRequest, Status: status, Body: body}
	}
}

// FromTransport classifies an error returned before any HTTP response was
// received (DNS, dial, TLS, timeout).
func FromTransport(err error) *Error {
	var (
		dnsErr     *net.DNSError
		netErr     net.Error
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostnameEr x509.HostnameError
		alertErr   tls.AlertError
	)

	switch {
	case errors.As(err, &dnsErr):
		return &Error{Kind: DNSResolution, Detail: dnsErr.Name, Err: err}
	case errors.As(err, &recordErr),
		errors.As(err, &verifyErr),
		errors.As(err, &unknownCA),
		errors.As(err, &hostnameEr),
		errors.As(err, &alertErr):
		return &Error{Kind: TLSHandshake, Err: err}
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: Timeout, Err: err}
	default:
		return &Error{Kind: ConnectionLost, Err: err}
	}
}
