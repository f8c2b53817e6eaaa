// Package subscription owns the push subscription lifecycle: create, renew,
// revoke, and the periodic expiry sweep.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"inbox-triage/pkg/triage"
)

// ErrNotFound indicates the subscription is not tracked locally.
var ErrNotFound = errors.New("subscription not tracked")

// Provider is the remote subscription API.
type Provider interface {
	CreateSubscription(ctx context.Context, notificationURL, resource, changeType, clientState string, lifetimeMinutes int) (id string, expiration time.Time, err error)
	RenewSubscription(ctx context.Context, id string, lifetimeMinutes int) (time.Time, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Store persists subscription records across restarts.
type Store interface {
	Save(ctx context.Context, sub *triage.Subscription) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*triage.Subscription, error)
}

// Config holds manager settings.
type Config struct {
	CallbackURL string // Public webhook endpoint handed to the provider
	ChangeType  string // e.g. "created"
	MaxLifetime int    // Provider cap on lifetime minutes; requests are clamped
}

// Manager tracks subscriptions in a lock-guarded table. Lookups happen on
// every inbound event, so critical sections stay short and no lock is held
// across a network call.
type Manager struct {
	mu       sync.RWMutex
	subs     map[string]*triage.Subscription
	provider Provider
	store    Store
	logger   *slog.Logger
	cfg      Config
}

// New creates a subscription manager.
func New(provider Provider, store Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ChangeType == "" {
		cfg.ChangeType = "created"
	}
	return &Manager{
		subs:     make(map[string]*triage.Subscription),
		provider: provider,
		store:    store,
		logger:   logger,
		cfg:      cfg,
	}
}

// newClientState generates the per-subscription shared secret the provider
// echoes on every notification.
func newClientState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create requests a new push subscription for the resource. Lifetimes above
// the provider cap are clamped, not rejected.
func (m *Manager) Create(ctx context.Context, resource string, lifetimeMinutes int) (*triage.Subscription, error) {
	if lifetimeMinutes <= 0 || lifetimeMinutes > m.cfg.MaxLifetime {
		m.logger.Info("Clamping subscription lifetime", "requested", lifetimeMinutes, "max", m.cfg.MaxLifetime)
		lifetimeMinutes = m.cfg.MaxLifetime
	}

	clientState, err := newClientState()
	if err != nil {
		return nil, err
	}

	// The provider runs the validation handshake against the callback URL
	// during this call; a handshake failure surfaces as a rejection here.
	id, expiration, err := m.provider.CreateSubscription(ctx, m.cfg.CallbackURL, resource, m.cfg.ChangeType, clientState, lifetimeMinutes)
	if err != nil {
		return nil, fmt.Errorf("create subscription for %s: %w", resource, err)
	}

	sub := &triage.Subscription{
		ID:              id,
		Resource:        resource,
		Expiration:      expiration,
		ClientState:     clientState,
		Status:          triage.StatusActive,
		CreatedAt:       time.Now(),
		LifetimeMinutes: lifetimeMinutes,
	}

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	if err := m.store.Save(ctx, sub); err != nil {
		// The subscription exists remotely; losing persistence only costs
		// crash recovery, so log and continue.
		m.logger.Error("Failed to persist subscription", "subscription_id", id, "error", err)
	}

	m.logger.Info("Subscription active",
		"subscription_id", id,
		"resource", resource,
		"expires", expiration.Format(time.RFC3339),
		"lifetime_minutes", lifetimeMinutes)
	return snapshot(sub), nil
}

// Renew extends a tracked subscription. On success the stored expiration
// strictly increases and the status returns to active. On failure the status
// becomes expired when the old expiration has already passed; otherwise it
// stays expiring and the error is surfaced for a later retry.
func (m *Manager) Renew(ctx context.Context, id string) (*triage.Subscription, error) {
	m.mu.RLock()
	sub, ok := m.subs[id]
	var lifetime int
	var oldExpiration time.Time
	if ok {
		lifetime = sub.LifetimeMinutes
		oldExpiration = sub.Expiration
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	expiration, err := m.provider.RenewSubscription(ctx, id, lifetime)

	m.mu.Lock()
	sub, ok = m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if err != nil {
		if time.Now().After(oldExpiration) {
			sub.Status = triage.StatusExpired
			m.logger.Warn("Renewal failed past expiration, subscription expired", "subscription_id", id, "error", err)
		} else {
			sub.Status = triage.StatusExpiring
			m.logger.Warn("Renewal failed, will retry before expiration", "subscription_id", id, "error", err)
		}
		updated := snapshot(sub)
		m.mu.Unlock()
		m.persist(ctx, updated)
		return updated, fmt.Errorf("renew %s: %w", id, err)
	}

	sub.Expiration = expiration
	sub.Status = triage.StatusActive
	updated := snapshot(sub)
	m.mu.Unlock()

	m.persist(ctx, updated)
	m.logger.Info("Subscription renewed", "subscription_id", id, "expires", expiration.Format(time.RFC3339))
	return updated, nil
}

// Revoke tears down a subscription. The local record is always removed; a
// remote teardown failure is logged, never surfaced as blocking.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		sub.Status = triage.StatusRevoked
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("Failed to delete persisted subscription", "subscription_id", id, "error", err)
	}

	if err := m.provider.DeleteSubscription(ctx, id); err != nil {
		m.logger.Warn("Remote teardown failed, subscription removed locally anyway", "subscription_id", id, "error", err)
	}

	m.logger.Info("Subscription revoked", "subscription_id", id)
	return nil
}

// Sweep renews every tracked subscription whose remaining lifetime has fallen
// below the renewal threshold, and drops the ones that expired with no
// renewal pending. Safe to run concurrently with intake lookups.
func (m *Manager) Sweep(ctx context.Context) []*triage.Subscription {
	now := time.Now()

	m.mu.RLock()
	due := make([]string, 0, len(m.subs))
	for id, sub := range m.subs {
		remaining := sub.Expiration.Sub(now)
		if remaining < sub.RenewalThreshold() {
			due = append(due, id)
		}
	}
	total := len(m.subs)
	m.mu.RUnlock()

	m.logger.Info("Sweep started", "tracked", total, "due", len(due))

	var renewed, failed, dropped int
	for _, id := range due {
		sub, err := m.Renew(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			failed++
			if sub != nil && sub.Status == triage.StatusExpired {
				// Confirmed expired with no renewal pending: stop tracking.
				m.mu.Lock()
				delete(m.subs, id)
				m.mu.Unlock()
				if derr := m.store.Delete(ctx, id); derr != nil {
					m.logger.Warn("Failed to delete expired subscription record", "subscription_id", id, "error", derr)
				}
				dropped++
			}
		default:
			renewed++
		}
	}

	m.logger.Info("Sweep completed", "renewed", renewed, "failed", failed, "dropped", dropped)
	return m.List()
}

// Lookup returns a copy of the tracked subscription.
func (m *Manager) Lookup(id string) (*triage.Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	return snapshot(sub), true
}

// List returns copies of all tracked subscriptions.
func (m *Manager) List() []*triage.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := make([]*triage.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, snapshot(sub))
	}
	return subs
}

// Restore reloads persisted subscriptions after a restart so sweep and
// intake resume without creating redundant subscriptions.
func (m *Manager) Restore(ctx context.Context) error {
	subs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}

	now := time.Now()
	m.mu.Lock()
	for _, sub := range subs {
		if now.After(sub.Expiration) {
			sub.Status = triage.StatusExpired
		}
		m.subs[sub.ID] = sub
	}
	count := len(m.subs)
	m.mu.Unlock()

	m.logger.Info("Subscriptions restored from storage", "count", count)
	return nil
}

func (m *Manager) persist(ctx context.Context, sub *triage.Subscription) {
	if err := m.store.Save(ctx, sub); err != nil {
		m.logger.Error("Failed to persist subscription", "subscription_id", sub.ID, "error", err)
	}
}

func snapshot(sub *triage.Subscription) *triage.Subscription {
	copied := *sub
	return &copied
}
