package provider

import (
	"log/slog"
	"strings"
)

// SenderPolicy decides which sender address goes out with a message.
// With no allow-list every message uses Default. With an allow-list, an
// envelope sender whose domain is listed is used as-is.
type SenderPolicy struct {
	Default        string
	AllowedDomains []string
}

// Resolve returns the outbound sender for the given envelope sender.
func (p SenderPolicy) Resolve(from string) string {
	if len(p.AllowedDomains) == 0 || from == "" {
		return p.Default
	}

	trimmed := strings.Trim(from, "<>")
	parts := strings.Split(trimmed, "@")
	if len(parts) < 2 || parts[1] == "" {
		slog.Warn("could not parse domain from envelope sender, using default sender",
			"invalid_from", from,
			"fallback_sender", p.Default,
		)
		return p.Default
	}

	domain := parts[1]
	for _, allowed := range p.AllowedDomains {
		if allowed == domain {
			slog.Info("using client-provided sender address from allowed domain",
				"client_sender", trimmed,
			)
			return trimmed
		}
	}

	slog.Warn("sender domain not in allow-list, using default sender",
		"client_sender", trimmed,
		"fallback_sender", p.Default,
	)
	return p.Default
}
