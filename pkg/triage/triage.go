// Package triage contains the core domain types for the inbox triage service.
package triage

import "time"

// Status describes where a push subscription is in its lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusExpiring Status = "expiring"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Subscription represents a provider-side push subscription on a mail folder.
type Subscription struct {
	Expiration      time.Time `json:"expiration"`       // Provider-enforced absolute expiration
	CreatedAt       time.Time `json:"created_at"`       // When the subscription was created
	ID              string    `json:"id"`               // Opaque ID issued by the provider
	Resource        string    `json:"resource"`         // Watched target, e.g. a folder path
	ClientState     string    `json:"client_state"`     // Secret echoed by the provider on every event
	Status          Status    `json:"status"`           // Lifecycle status
	LifetimeMinutes int       `json:"lifetime_minutes"` // Requested lifetime, post-clamp
}

// RenewalThreshold is the remaining lifetime below which a subscription
// should be renewed: 20% of total lifetime or 10 minutes, whichever is larger.
func (s *Subscription) RenewalThreshold() time.Duration {
	threshold := time.Duration(s.LifetimeMinutes) * time.Minute / 5
	if threshold < 10*time.Minute {
		threshold = 10 * time.Minute
	}
	return threshold
}

// Event is one provider push notification, validated once and processed at
// most once per (SubscriptionID, ResourceID, ChangeType) within the dedup window.
type Event struct {
	SubscriptionID string `json:"subscriptionId"`
	ResourceID     string `json:"resourceId"`
	ChangeType     string `json:"changeType"`
	ClientState    string `json:"clientState"`
}

// DedupKey identifies the logical event for redelivery collapsing.
func (e *Event) DedupKey() string {
	return e.SubscriptionID + "|" + e.ResourceID + "|" + e.ChangeType
}

// Message is a normalized mail message, owned transiently by the digest
// pipeline for one summarize-and-deliver operation.
type Message struct {
	ReceivedAt time.Time
	ID         string
	Subject    string
	Sender     string
	Body       string // Possibly truncated at fetch time
	IsRead     bool
}

// DeliveryStatus is the outcome of one digest operation.
type DeliveryStatus string

const (
	Delivered DeliveryStatus = "delivered"
	Failed    DeliveryStatus = "failed"
	Skipped   DeliveryStatus = "skipped"
)

// Digest is the summarized, delivery-ready representation of one message.
type Digest struct {
	MessageID string
	Summary   string
	Status    DeliveryStatus
}
