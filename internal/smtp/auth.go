// Package smtp implements the inbound SMTP listener: a per-connection
// session state machine that hands completed messages to a provider.Mailer.
package smtp

import (
	"encoding/base64"
	"errors"
	"strings"
)

// plainIdentity decodes an AUTH PLAIN response and returns the
// authentication identity. AUTH is accepted unconditionally; the identity
// is only logged.
//
// AUTH PLAIN format: base64(authzid \0 authcid \0 password)
func plainIdentity(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", errors.New("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid AUTH PLAIN format")
	}

	// parts[0] is the authorization identity, used when authcid is empty.
	if parts[1] != "" {
		return parts[1], nil
	}
	return parts[0], nil
}
