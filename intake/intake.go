// Package intake validates inbound change notifications and feeds accepted
// events to the digest pipeline through a bounded worker pool.
package intake

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	"inbox-triage/pkg/triage"
)

// Reason explains why an event was not queued.
type Reason string

const (
	ReasonAccepted            Reason = "accepted"
	ReasonUnknownSubscription Reason = "unknown_subscription"
	ReasonInvalidSecret       Reason = "invalid_secret"
	ReasonDuplicate           Reason = "duplicate"
	ReasonQueueFull           Reason = "queue_full"
)

// Subscriptions resolves a subscription ID to its tracked record.
type Subscriptions interface {
	Lookup(id string) (*triage.Subscription, bool)
}

// Processor turns an accepted event into a delivered digest.
type Processor interface {
	Process(ctx context.Context, messageID string) *triage.Digest
}

// Handler screens notifications and runs the worker pool. A rejected event
// never reaches the processor.
type Handler struct {
	subs      Subscriptions
	processor Processor
	dedup     *dedupCache
	queue     chan triage.Event
	logger    *slog.Logger
	workers   int
	wg        sync.WaitGroup
}

// New creates an intake handler. Events sit in a queue of the given depth;
// workers drain it concurrently.
func New(subs Subscriptions, processor Processor, window time.Duration, workers, queueDepth int, logger *slog.Logger) *Handler {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &Handler{
		subs:      subs,
		processor: processor,
		dedup:     newDedupCache(window),
		queue:     make(chan triage.Event, queueDepth),
		logger:    logger,
		workers:   workers,
	}
}

// Handle screens one notification. Secret comparison is constant-time so a
// caller probing with forged secrets learns nothing from response timing.
// Returns the queue decision; rejections are logged, not errors.
func (h *Handler) Handle(event triage.Event) Reason {
	sub, ok := h.subs.Lookup(event.SubscriptionID)
	if !ok {
		h.logger.Warn("Notification for unknown subscription",
			"subscription_id", event.SubscriptionID)
		return ReasonUnknownSubscription
	}

	if subtle.ConstantTimeCompare([]byte(event.ClientState), []byte(sub.ClientState)) != 1 {
		h.logger.Warn("Notification with invalid client state",
			"subscription_id", event.SubscriptionID)
		return ReasonInvalidSecret
	}

	if h.dedup.seen(event.DedupKey()) {
		h.logger.Info("Duplicate notification suppressed",
			"subscription_id", event.SubscriptionID,
			"resource_id", event.ResourceID)
		return ReasonDuplicate
	}

	select {
	case h.queue <- event:
		return ReasonAccepted
	default:
		// Shedding under overload beats blocking the webhook response; the
		// message stays unread and the poller picks it up later. The dedup
		// entry is removed so a provider redelivery gets a fresh chance.
		h.dedup.forget(event.DedupKey())
		h.logger.Warn("Intake queue full, dropping event",
			"subscription_id", event.SubscriptionID,
			"resource_id", event.ResourceID,
			"queue_depth", cap(h.queue))
		return ReasonQueueFull
	}
}

// pollChangeType keys the poller's sightings separately from push events.
const pollChangeType = "poll"

// RecentlyDelivered reports whether the poller delivered a digest for the
// message within the dedup window. Overlapping poll cycles use this to avoid
// digesting the same message twice while its read flag is still in flight.
func (h *Handler) RecentlyDelivered(messageID string) bool {
	event := triage.Event{ResourceID: messageID, ChangeType: pollChangeType}
	return h.dedup.has(event.DedupKey())
}

// RecordDelivered marks a poll-delivered message in the dedup cache.
func (h *Handler) RecordDelivered(messageID string) {
	event := triage.Event{ResourceID: messageID, ChangeType: pollChangeType}
	h.dedup.seen(event.DedupKey())
}

// Start launches the worker pool. Workers exit when the context is canceled
// or Stop closes the queue.
func (h *Handler) Start(ctx context.Context) {
	for i := 0; i < h.workers; i++ {
		h.wg.Add(1)
		go h.worker(ctx, i)
	}
	h.logger.Info("Intake workers started", "workers", h.workers, "queue_depth", cap(h.queue))
}

// Stop closes the queue and waits for in-flight work to finish.
func (h *Handler) Stop() {
	close(h.queue)
	h.wg.Wait()
}

func (h *Handler) worker(ctx context.Context, id int) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-h.queue:
			if !ok {
				return
			}
			digest := h.processor.Process(ctx, event.ResourceID)
			h.logger.Info("Event processed",
				"worker", id,
				"resource_id", event.ResourceID,
				"status", digest.Status)
		}
	}
}
