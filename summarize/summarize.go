// Package summarize turns a mail message body into a short digest.
package summarize

import (
	"context"
	"strings"
)

// Summarizer produces a short summary of one message. Implementations must
// tolerate empty and oversized input; they truncate, never fail on size.
type Summarizer interface {
	Summarize(ctx context.Context, subject, sender, body string) (string, error)
}

const previewSize = 220

// Heuristic is the local fallback summarizer: no model, no network. It is
// also the last line of defense when the model backend is down, so it never
// returns an error.
type Heuristic struct{}

// Summarize builds a fixed-shape preview summary.
func (Heuristic) Summarize(_ context.Context, subject, sender, body string) (string, error) {
	if subject == "" {
		subject = "(no subject)"
	}
	if sender == "" {
		sender = "(unknown)"
	}

	preview := strings.Join(strings.Fields(body), " ")
	if len(preview) > previewSize {
		preview = preview[:previewSize]
	}

	var b strings.Builder
	b.WriteString("• Subject: " + subject + "\n")
	b.WriteString("• From: " + sender + "\n")
	b.WriteString("• Preview: " + preview)
	return b.String(), nil
}

// Truncate bounds body text fed to a model backend.
func Truncate(body string, maxBytes int) string {
	if maxBytes <= 0 || len(body) <= maxBytes {
		return body
	}
	return body[:maxBytes]
}
