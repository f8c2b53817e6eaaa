package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"inbox-triage/pkg/triage"
)

type fakeGateway struct {
	unread  []*triage.Message
	listErr error
}

func (f *fakeGateway) ListUnread(_ context.Context, _ string, maxResults int) ([]*triage.Message, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if maxResults > 0 && len(f.unread) > maxResults {
		return f.unread[:maxResults], nil
	}
	return f.unread, nil
}

type fakeProcessor struct {
	statuses  map[string]triage.DeliveryStatus
	processed []string
}

func (f *fakeProcessor) Process(_ context.Context, messageID string) *triage.Digest {
	f.processed = append(f.processed, messageID)
	status, ok := f.statuses[messageID]
	if !ok {
		status = triage.Delivered
	}
	return &triage.Digest{MessageID: messageID, Status: status}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func unread(ids ...string) []*triage.Message {
	msgs := make([]*triage.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, &triage.Message{ID: id, Subject: "s-" + id})
	}
	return msgs
}

func TestCheckAllProcessesEveryUnreadMessage(t *testing.T) {
	gateway := &fakeGateway{unread: unread("m1", "m2")}
	processor := &fakeProcessor{}
	m := New(gateway, processor, nil, "inbox", 10, testLogger())

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if len(processor.processed) != 2 {
		t.Errorf("processed = %v, want 2 messages", processor.processed)
	}
}

func TestCheckAllContinuesPastFailures(t *testing.T) {
	gateway := &fakeGateway{unread: unread("broken", "ok")}
	processor := &fakeProcessor{statuses: map[string]triage.DeliveryStatus{
		"broken": triage.Failed,
	}}
	m := New(gateway, processor, nil, "inbox", 10, testLogger())

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v, a per-message failure must not abort the cycle", err)
	}
	if len(processor.processed) != 2 {
		t.Errorf("processed = %v, want both messages attempted", processor.processed)
	}
}

func TestCheckAllListFailure(t *testing.T) {
	gateway := &fakeGateway{listErr: errors.New("throttled")}
	m := New(gateway, &fakeProcessor{}, nil, "inbox", 10, testLogger())

	if err := m.CheckAll(context.Background()); err == nil {
		t.Error("CheckAll() should surface a list failure")
	}
}

func TestCheckAllRespectsCancellation(t *testing.T) {
	gateway := &fakeGateway{unread: unread("m1", "m2", "m3")}
	processor := &fakeProcessor{}
	m := New(gateway, processor, nil, "inbox", 10, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.CheckAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("CheckAll() error = %v, want context.Canceled", err)
	}
	if len(processor.processed) != 0 {
		t.Errorf("processed = %v, want none after cancellation", processor.processed)
	}
}

func TestCheckAllHonorsMaxUnread(t *testing.T) {
	gateway := &fakeGateway{unread: unread("m1", "m2", "m3", "m4")}
	processor := &fakeProcessor{}
	m := New(gateway, processor, nil, "inbox", 2, testLogger())

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if len(processor.processed) != 2 {
		t.Errorf("processed = %v, want the configured cap of 2", processor.processed)
	}
}

type fakeDedup struct {
	delivered map[string]bool
	recorded  []string
}

func (f *fakeDedup) RecentlyDelivered(messageID string) bool { return f.delivered[messageID] }

func (f *fakeDedup) RecordDelivered(messageID string) { f.recorded = append(f.recorded, messageID) }

func TestCheckAllSkipsRecentlyDelivered(t *testing.T) {
	gateway := &fakeGateway{unread: unread("m1", "m2", "m3")}
	processor := &fakeProcessor{statuses: map[string]triage.DeliveryStatus{
		"m3": triage.Failed,
	}}
	dedup := &fakeDedup{delivered: map[string]bool{"m2": true}}
	m := New(gateway, processor, dedup, "inbox", 10, testLogger())

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if len(processor.processed) != 2 {
		t.Errorf("processed = %v, want m1 and m3 only", processor.processed)
	}
	for _, id := range processor.processed {
		if id == "m2" {
			t.Error("processed m2 despite a recent delivery")
		}
	}
	// Only the delivered message is recorded; m3 failed and must stay
	// eligible for the next cycle.
	if len(dedup.recorded) != 1 || dedup.recorded[0] != "m1" {
		t.Errorf("recorded = %v, want [m1]", dedup.recorded)
	}
}
