// Package digest runs the fetch → summarize → deliver pipeline for one
// message, shared by the webhook intake and the polling fallback.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"inbox-triage/graph"
	"inbox-triage/notify"
	"inbox-triage/pkg/triage"
	"inbox-triage/summarize"
)

// Gateway is the mail side of the pipeline.
type Gateway interface {
	MessageByID(ctx context.Context, id string) (*triage.Message, error)
	MarkRead(ctx context.Context, id string) error
}

// Pipeline turns one message ID into one delivered digest.
type Pipeline struct {
	gateway     Gateway
	summarizer  summarize.Summarizer
	fallback    summarize.Heuristic
	sink        notify.Sink
	logger      *slog.Logger
	maxBodySize int
}

// New creates a digest pipeline.
func New(gateway Gateway, summarizer summarize.Summarizer, sink notify.Sink, maxBodySize int, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		gateway:     gateway,
		summarizer:  summarizer,
		sink:        sink,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// Process fetches the message, summarizes it, and delivers the digest.
// Failures are encoded in the result status, never raised: a transient fetch
// or delivery error yields Failed and the scheduler owns any retry.
func (p *Pipeline) Process(ctx context.Context, messageID string) *triage.Digest {
	msg, err := p.gateway.MessageByID(ctx, messageID)
	if err != nil {
		// A message deleted between notification and fetch is gone for
		// good; everything else is worth a retry on the next cycle.
		if graph.IsNotFound(err) {
			p.logger.Warn("Message no longer exists, skipping", "message_id", messageID)
			return &triage.Digest{MessageID: messageID, Status: triage.Skipped}
		}
		if graph.IsAuth(err) {
			p.logger.Error("Auth failure fetching message", "message_id", messageID, "error", err)
		} else {
			p.logger.Warn("Message fetch failed", "message_id", messageID, "error", err)
		}
		return &triage.Digest{MessageID: messageID, Status: triage.Failed}
	}

	body := summarize.Truncate(msg.Body, p.maxBodySize)

	summary, err := p.summarizer.Summarize(ctx, msg.Subject, msg.Sender, body)
	if err != nil {
		// Summarization is best effort; fall back to the local heuristic
		// rather than failing the whole pipeline.
		p.logger.Warn("Summarizer failed, using heuristic fallback", "message_id", messageID, "error", err)
		summary, _ = p.fallback.Summarize(ctx, msg.Subject, msg.Sender, body)
	}

	text := p.format(msg, summary)
	text = notify.TruncateForSink(text, p.sink)

	if err := p.sink.Send(ctx, text); err != nil {
		p.logger.Warn("Digest delivery failed", "message_id", messageID, "error", err)
		return &triage.Digest{MessageID: messageID, Summary: summary, Status: triage.Failed}
	}

	// Mark read only after the digest actually went out, so anything that
	// failed stays unread and the polling fallback retries it. A failure
	// here means one repeated digest, not a lost one.
	if err := p.gateway.MarkRead(ctx, messageID); err != nil {
		p.logger.Warn("Failed to mark message read", "message_id", messageID, "error", err)
	}

	p.logger.Info("Digest delivered", "message_id", messageID, "summary_length", len(summary))
	return &triage.Digest{MessageID: messageID, Summary: summary, Status: triage.Delivered}
}

func (p *Pipeline) format(msg *triage.Message, summary string) string {
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	var b strings.Builder
	b.WriteString("Unread email\n")
	fmt.Fprintf(&b, "From: %s\n", msg.Sender)
	fmt.Fprintf(&b, "Subject: %s\n\n", subject)
	b.WriteString(summary)
	return b.String()
}
