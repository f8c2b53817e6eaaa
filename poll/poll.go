// Package poll is the fallback sweep that catches messages whose push
// notification never arrived or was shed under load.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inbox-triage/pkg/triage"
)

// Gateway fetches unread messages.
type Gateway interface {
	ListUnread(ctx context.Context, folder string, maxResults int) ([]*triage.Message, error)
}

// Processor turns one message into a delivered digest.
type Processor interface {
	Process(ctx context.Context, messageID string) *triage.Digest
}

// Dedup remembers recently delivered messages across overlapping cycles.
type Dedup interface {
	RecentlyDelivered(messageID string) bool
	RecordDelivered(messageID string)
}

// Monitor handles the polling cycle.
type Monitor struct {
	gateway   Gateway
	processor Processor
	dedup     Dedup // Optional
	logger    *slog.Logger
	folder    string
	maxUnread int
}

// New creates a poll monitor. dedup may be nil.
func New(gateway Gateway, processor Processor, dedup Dedup, folder string, maxUnread int, logger *slog.Logger) *Monitor {
	return &Monitor{
		gateway:   gateway,
		processor: processor,
		dedup:     dedup,
		logger:    logger,
		folder:    folder,
		maxUnread: maxUnread,
	}
}

// CheckAll lists unread messages and runs each through the digest pipeline.
// The pipeline marks a message read only after delivery, so anything that
// fails stays unread and gets retried on the next cycle.
func (m *Monitor) CheckAll(ctx context.Context) error {
	start := time.Now()
	messages, err := m.gateway.ListUnread(ctx, m.folder, m.maxUnread)
	if err != nil {
		return fmt.Errorf("list unread messages: %w", err)
	}

	m.logger.Info("Polling cycle started", "folder", m.folder, "unread", len(messages))

	var delivered, failed, skipped int
	for _, msg := range messages {
		// Check for context cancellation between messages
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping poll cycle", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		// The read flag lags delivery slightly; skip anything a recent
		// cycle already delivered.
		if m.dedup != nil && m.dedup.RecentlyDelivered(msg.ID) {
			skipped++
			continue
		}

		digest := m.processor.Process(ctx, msg.ID)
		switch digest.Status {
		case triage.Delivered:
			delivered++
			if m.dedup != nil {
				m.dedup.RecordDelivered(msg.ID)
			}
		case triage.Skipped:
			skipped++
		default:
			failed++
			m.logger.Warn("Digest failed, message stays unread for retry",
				"message_id", msg.ID, "subject", msg.Subject)
		}
	}

	m.logger.Info("Polling cycle completed",
		"delivered", delivered,
		"failed", failed,
		"skipped", skipped,
		"duration", time.Since(start).String())
	return nil
}
