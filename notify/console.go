package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Console prints digests to a writer, for development and single-user runs.
type Console struct {
	out    io.Writer
	logger *slog.Logger
}

// NewConsole creates a console sink.
func NewConsole(out io.Writer, logger *slog.Logger) *Console {
	return &Console{out: out, logger: logger}
}

// MaxLength reports no limit.
func (*Console) MaxLength() int { return 0 }

// Send writes the digest to the console.
func (c *Console) Send(_ context.Context, text string) error {
	if _, err := fmt.Fprintf(c.out, "\n===== Notification Digest =====\n\n%s\n\n===== End Digest =====\n\n", text); err != nil {
		return &DeliveryError{Sink: "console", Err: err}
	}
	c.logger.Info("Digest written to console", "text_length", len(text))
	return nil
}
