package digest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"inbox-triage/graph"
	"inbox-triage/notify"
	"inbox-triage/pkg/triage"
)

type fakeGateway struct {
	msg        *triage.Message
	errs       []error // One per call; nil entries succeed
	calls      int
	markedRead []string
}

func (f *fakeGateway) MessageByID(_ context.Context, id string) (*triage.Message, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.msg != nil {
		return f.msg, nil
	}
	return &triage.Message{ID: id, Subject: "Hello", Sender: "Ann <ann@example.com>", Body: "body text"}, nil
}

func (f *fakeGateway) MarkRead(_ context.Context, id string) error {
	f.markedRead = append(f.markedRead, id)
	return nil
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, string, string, string) (string, error) {
	return "", errors.New("model unavailable")
}

type fixedSummarizer struct{ out string }

func (s fixedSummarizer) Summarize(context.Context, string, string, string) (string, error) {
	return s.out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessDeliversDigest(t *testing.T) {
	gateway := &fakeGateway{}
	sink := notify.NewMock(nil)
	p := New(gateway, fixedSummarizer{out: "• quick summary"}, sink, 4000, testLogger())

	d := p.Process(context.Background(), "msg-1")

	if d.Status != triage.Delivered {
		t.Fatalf("Status = %q, want %q", d.Status, triage.Delivered)
	}
	if len(gateway.markedRead) != 1 || gateway.markedRead[0] != "msg-1" {
		t.Errorf("marked read = %v, want the delivered message", gateway.markedRead)
	}
	if sink.Count() != 1 {
		t.Fatalf("sink received %d messages, want 1", sink.Count())
	}

	text := sink.Sent[0]
	for _, want := range []string{"Unread email", "From: Ann <ann@example.com>", "Subject: Hello", "• quick summary"} {
		if !strings.Contains(text, want) {
			t.Errorf("delivered text missing %q:\n%s", want, text)
		}
	}
}

func TestProcessTransientFetchFailsThenSucceeds(t *testing.T) {
	gateway := &fakeGateway{errs: []error{
		&graph.TransientError{Op: "get message", Err: errors.New("HTTP 503")},
		nil,
	}}
	sink := notify.NewMock(nil)
	p := New(gateway, fixedSummarizer{out: "s"}, sink, 4000, testLogger())

	first := p.Process(context.Background(), "msg-1")
	if first.Status != triage.Failed {
		t.Fatalf("first Status = %q, want %q", first.Status, triage.Failed)
	}
	if sink.Count() != 0 {
		t.Fatal("nothing should be delivered on a failed fetch")
	}

	// The scheduler retries by calling Process again.
	second := p.Process(context.Background(), "msg-1")
	if second.Status != triage.Delivered {
		t.Fatalf("second Status = %q, want %q", second.Status, triage.Delivered)
	}
	if sink.Count() != 1 {
		t.Errorf("sink received %d messages, want 1", sink.Count())
	}
}

func TestProcessSkipsDeletedMessage(t *testing.T) {
	gateway := &fakeGateway{errs: []error{&graph.NotFoundError{Resource: "msg-1"}}}
	sink := notify.NewMock(nil)
	p := New(gateway, fixedSummarizer{out: "s"}, sink, 4000, testLogger())

	d := p.Process(context.Background(), "msg-1")
	if d.Status != triage.Skipped {
		t.Errorf("Status = %q, want %q", d.Status, triage.Skipped)
	}
	if sink.Count() != 0 {
		t.Error("deleted message should not produce a delivery")
	}
}

func TestProcessFallsBackToHeuristic(t *testing.T) {
	sink := notify.NewMock(nil)
	p := New(&fakeGateway{}, failingSummarizer{}, sink, 4000, testLogger())

	d := p.Process(context.Background(), "msg-1")
	if d.Status != triage.Delivered {
		t.Fatalf("Status = %q, want %q", d.Status, triage.Delivered)
	}
	if !strings.Contains(d.Summary, "• Subject: Hello") {
		t.Errorf("fallback summary missing subject bullet:\n%s", d.Summary)
	}
}

func TestProcessSinkFailure(t *testing.T) {
	sink := notify.NewMock(nil)
	sink.Fail = errors.New("sink down")
	p := New(&fakeGateway{}, fixedSummarizer{out: "kept summary"}, sink, 4000, testLogger())

	d := p.Process(context.Background(), "msg-1")
	if d.Status != triage.Failed {
		t.Fatalf("Status = %q, want %q", d.Status, triage.Failed)
	}
	// The summary survives so a retry does not have to re-summarize blind.
	if d.Summary != "kept summary" {
		t.Errorf("Summary = %q, want it preserved on delivery failure", d.Summary)
	}
}

func TestProcessKeepsUnreadOnFailure(t *testing.T) {
	gateway := &fakeGateway{}
	sink := notify.NewMock(nil)
	sink.Fail = errors.New("sink down")
	p := New(gateway, fixedSummarizer{out: "s"}, sink, 4000, testLogger())

	p.Process(context.Background(), "msg-1")
	if len(gateway.markedRead) != 0 {
		t.Errorf("marked read = %v, a failed delivery must leave the message unread", gateway.markedRead)
	}
}

func TestProcessTruncatesForSink(t *testing.T) {
	sink := notify.NewMock(nil)
	sink.Limit = 120
	long := strings.Repeat("x", 500)
	p := New(&fakeGateway{}, fixedSummarizer{out: long}, sink, 4000, testLogger())

	d := p.Process(context.Background(), "msg-1")
	if d.Status != triage.Delivered {
		t.Fatalf("Status = %q, want %q", d.Status, triage.Delivered)
	}
	if got := len(sink.Sent[0]); got > 120 {
		t.Errorf("delivered %d bytes, want at most 120", got)
	}
	if !strings.Contains(sink.Sent[0], "truncated") {
		t.Error("truncated delivery should carry the truncation marker")
	}
}
