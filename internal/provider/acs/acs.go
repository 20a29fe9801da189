package acs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/acs-smtp-relay/internal/errs"
	"github.com/shineum/acs-smtp-relay/internal/parser"
	"github.com/shineum/acs-smtp-relay/internal/provider"
)

// sendPath is the path and query of the send endpoint. It is part of the
// signed string and must match the request URL exactly.
const sendPath = "/emails:send?api-version=2023-03-31"

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 64 << 10

// defaultHTTPTimeout applies when Config.HTTPTimeout is zero.
const defaultHTTPTimeout = 30 * time.Second

// Config holds the configuration for creating a Mailer.
type Config struct {
	// Endpoint is the resource base URL, e.g. https://name.communication.azure.com.
	Endpoint string
	// AccessKey is the base64-encoded HMAC key.
	AccessKey string
	// Sender selects the outbound sender address.
	Sender provider.SenderPolicy
	// HTTPTimeout bounds a single API call.
	HTTPTimeout time.Duration

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client
	// Now overrides the clock used for x-ms-date. Optional.
	Now func() time.Time
}

// Mailer sends emails through the ACS email REST API. Each Send makes a
// single signed POST; there is no retry, so a failure surfaces to the SMTP
// client as a transient error and the client retries.
type Mailer struct {
	endpoint   string
	host       string
	key        []byte
	sender     provider.SenderPolicy
	httpClient *http.Client
	now        func() time.Time
}

// New validates cfg and returns a Mailer. A malformed endpoint or access
// key is a configuration error.
func New(cfg Config) (*Mailer, error) {
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, errs.New(errs.MissingEndpoint, "endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return nil, errs.Newf(errs.InvalidConnectionString, "invalid endpoint %q", cfg.Endpoint)
	}

	if cfg.AccessKey == "" {
		return nil, errs.New(errs.MissingAccessKey, "access key is required")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.AccessKey)
	if err != nil {
		return nil, &errs.Error{Kind: errs.InvalidConnectionString, Detail: "access key is not valid base64", Err: err}
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Mailer{
		endpoint:   endpoint,
		host:       u.Hostname(),
		key:        key,
		sender:     cfg.Sender,
		httpClient: client,
		now:        now,
	}, nil
}

// Name returns the provider name.
func (m *Mailer) Name() string {
	return "acs"
}

// Send parses raw, builds the API payload and posts it once.
func (m *Mailer) Send(ctx context.Context, raw []byte, recipients []string, from string) error {
	if len(recipients) == 0 {
		return errs.New(errs.MissingRecipients, "no recipients")
	}

	sender := m.sender.Resolve(from)

	msg, err := parser.Parse(raw)
	if err != nil {
		return err
	}

	reqBody, err := buildEmailRequest(msg, recipients, sender)
	if err != nil {
		return err
	}

	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return &errs.Error{Kind: errs.InvalidEncoding, Detail: "failed to marshal request body", Err: err}
	}

	slog.Debug("sending email via ACS",
		"sender", sender,
		"recipients", len(recipients),
		"subject", reqBody.Content.Subject,
	)

	return m.doSendRequest(ctx, bodyJSON)
}

// doSendRequest signs and performs one HTTP request to the send endpoint.
func (m *Mailer) doSendRequest(ctx context.Context, bodyJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+sendPath, bytes.NewReader(bodyJSON))
	if err != nil {
		return &errs.Error{Kind: errs.APIRequest, Detail: "failed to create request", Err: err}
	}
	sig := sign(m.key, http.MethodPost, sendPath, m.host, bodyJSON, m.now())
	sig.apply(req)
	slog.Debug("signed ACS request", "string_to_sign", sig.StringToSign)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return errs.FromTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		slog.Info("email accepted by ACS", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &errs.Error{Kind: errs.InvalidResponse, Status: resp.StatusCode, Err: err}
	}

	slog.Error("ACS API request failed",
		"status", resp.StatusCode,
		"body", string(body),
	)
	return errs.FromStatus(resp.StatusCode, string(body))
}
