package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"inbox-triage/digest"
	"inbox-triage/intake"
	"inbox-triage/notify"
	"inbox-triage/pkg/triage"
	"inbox-triage/subscription"
	"inbox-triage/summarize"
)

// memProvider stands in for the remote subscription API.
type memProvider struct {
	mu      sync.Mutex
	created int
}

func (p *memProvider) CreateSubscription(_ context.Context, _, _, _, _ string, _ int) (string, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	return fmt.Sprintf("sub-%d", p.created), time.Now().Add(time.Hour), nil
}

func (p *memProvider) RenewSubscription(_ context.Context, _ string, _ int) (time.Time, error) {
	return time.Now().Add(time.Hour), nil
}

func (p *memProvider) DeleteSubscription(_ context.Context, _ string) error { return nil }

type memStore struct {
	mu   sync.Mutex
	subs map[string]*triage.Subscription
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[string]*triage.Subscription)}
}

func (s *memStore) Save(_ context.Context, sub *triage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sub
	s.subs[sub.ID] = &copied
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	return nil
}

func (s *memStore) List(_ context.Context) ([]*triage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*triage.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		copied := *sub
		out = append(out, &copied)
	}
	return out, nil
}

// countingGateway serves one canned message and counts fetches.
type countingGateway struct {
	mu      sync.Mutex
	fetches int
	marked  []string
}

func (g *countingGateway) MessageByID(_ context.Context, id string) (*triage.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	return &triage.Message{
		ID:      id,
		Subject: "Quarterly report",
		Sender:  "Dana <dana@example.com>",
		Body:    "The quarterly numbers are attached. Please review before Friday.",
	}, nil
}

func (g *countingGateway) MarkRead(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marked = append(g.marked, id)
	return nil
}

func (g *countingGateway) fetchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches
}

func notificationBody(subID, clientState, messageID string) []byte {
	body := map[string]any{
		"value": []map[string]any{{
			"subscriptionId": subID,
			"clientState":    clientState,
			"changeType":     "created",
			"resource":       "users/u/messages/" + messageID,
			"resourceData":   map[string]string{"id": messageID},
		}},
	}
	raw, _ := json.Marshal(body)
	return raw
}

func waitForCount(t *testing.T, sink *notify.Mock, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink count = %d, want %d", sink.Count(), want)
}

// TestNotificationFlow drives the whole service through its HTTP surface:
// create a subscription, complete the validation handshake, receive a
// notification, and deliver exactly one digest despite redeliveries.
func TestNotificationFlow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway := &countingGateway{}
	sink := notify.NewMock(nil)
	pipeline := digest.New(gateway, summarize.Heuristic{}, sink, 4096, logger)

	manager := subscription.New(&memProvider{}, newMemStore(), subscription.Config{
		CallbackURL: "https://example.com/webhook",
		MaxLifetime: 4230,
	}, logger)

	handler := intake.New(manager, pipeline, time.Minute, 2, 16, logger)
	handler.Start(ctx)
	defer handler.Stop()

	srv := New(&Config{Intake: handler, Subs: manager, Poller: &fakePoller{}, Logger: logger, BaseURL: "https://example.com"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Create a subscription through the admin endpoint.
	resp, err := http.Post(ts.URL+"/subscriptions", "application/json",
		bytes.NewReader([]byte(`{"resource": "users/u/mailFolders('inbox')/messages"}`)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var sub triage.Subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		t.Fatalf("decode subscription: %v", err)
	}
	resp.Body.Close()
	if sub.ClientState == "" {
		t.Fatal("created subscription has empty client state")
	}

	// The validation probe the provider sends during creation.
	resp, err = http.Post(ts.URL+"/webhook?validationToken=probe-token", "text/plain", nil)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	echoed, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(echoed) != "probe-token" {
		t.Fatalf("handshake echo = %q, want %q", echoed, "probe-token")
	}

	// A real notification is accepted and produces one digest.
	body := notificationBody(sub.ID, sub.ClientState, "msg-1")
	resp, err = http.Post(ts.URL+"/webhook", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("notify status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	waitForCount(t, sink, 1)
	if got := gateway.fetchCount(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}

	// Redelivery of the same notification collapses into the first.
	resp, err = http.Post(ts.URL+"/webhook", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("redelivery status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	time.Sleep(50 * time.Millisecond)
	if got := sink.Count(); got != 1 {
		t.Fatalf("after redelivery sink count = %d, want 1", got)
	}
	if got := gateway.fetchCount(); got != 1 {
		t.Fatalf("after redelivery fetches = %d, want 1", got)
	}

	// A forged client state is dropped without touching the mailbox.
	forged := notificationBody(sub.ID, "not-the-secret", "msg-2")
	resp, err = http.Post(ts.URL+"/webhook", "application/json", bytes.NewReader(forged))
	if err != nil {
		t.Fatalf("forged: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("forged status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	time.Sleep(50 * time.Millisecond)
	if got := gateway.fetchCount(); got != 1 {
		t.Fatalf("after forged notification fetches = %d, want 1", got)
	}
	if got := sink.Count(); got != 1 {
		t.Fatalf("after forged notification sink count = %d, want 1", got)
	}

	// Delivery marked the message read so polling will not repeat it.
	gateway.mu.Lock()
	marked := len(gateway.marked)
	gateway.mu.Unlock()
	if marked != 1 {
		t.Fatalf("marked read = %d, want 1", marked)
	}
}
