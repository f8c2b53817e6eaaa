package summarize

import (
	"context"
	"strings"
	"testing"
)

func TestHeuristicSummary(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		sender  string
		body    string
		want    []string
	}{
		{
			name:    "plain message",
			subject: "Weekly report",
			sender:  "Ann <ann@example.com>",
			body:    "Numbers are up this week.",
			want: []string{
				"• Subject: Weekly report",
				"• From: Ann <ann@example.com>",
				"• Preview: Numbers are up this week.",
			},
		},
		{
			name: "missing subject and sender",
			body: "hello",
			want: []string{"• Subject: (no subject)", "• From: (unknown)"},
		},
		{
			name:    "collapses whitespace",
			subject: "s",
			sender:  "f",
			body:    "line one\n\n   line\ttwo",
			want:    []string{"• Preview: line one line two"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Heuristic{}.Summarize(context.Background(), tt.subject, tt.sender, tt.body)
			if err != nil {
				t.Fatalf("Summarize() error = %v, heuristic must never fail", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("summary missing %q:\n%s", want, got)
				}
			}
		})
	}
}

func TestHeuristicPreviewBounded(t *testing.T) {
	long := strings.Repeat("word ", 200)
	got, err := Heuristic{}.Summarize(context.Background(), "s", "f", long)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}

	lines := strings.Split(got, "\n")
	preview := lines[len(lines)-1]
	if len(preview) > len("• Preview: ")+previewSize {
		t.Errorf("preview line is %d bytes, want at most %d", len(preview), len("• Preview: ")+previewSize)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		maxBytes int
		want     string
	}{
		{"under limit", "short", 100, "short"},
		{"at limit", "12345", 5, "12345"},
		{"over limit", "1234567890", 5, "12345"},
		{"zero means unlimited", "anything", 0, "anything"},
		{"negative means unlimited", "anything", -1, "anything"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.body, tt.maxBytes); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.body, tt.maxBytes, got, tt.want)
			}
		})
	}
}
