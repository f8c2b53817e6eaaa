// Package notify delivers digest text to a pluggable notification sink.
package notify

import "context"

// Sink is a delivery target for digest text.
type Sink interface {
	// Send delivers one message. Text longer than MaxLength may be
	// rejected by the underlying service; callers should truncate first.
	Send(ctx context.Context, text string) error
	// MaxLength is the sink's advertised maximum text length in bytes.
	// Zero means unlimited.
	MaxLength() int
}

// DeliveryError indicates the sink refused or failed to deliver.
type DeliveryError struct {
	Sink string
	Err  error
}

func (e *DeliveryError) Error() string {
	return "delivery via " + e.Sink + " failed: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TruncateForSink bounds text to the sink's limit, marking the cut.
func TruncateForSink(text string, sink Sink) string {
	limit := sink.MaxLength()
	if limit <= 0 || len(text) <= limit {
		return text
	}
	const marker = "\n… (truncated)"
	if limit <= len(marker) {
		return text[:limit]
	}
	return text[:limit-len(marker)] + marker
}
