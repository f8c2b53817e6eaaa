package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Mock records sent messages instead of delivering them.
type Mock struct {
	mu     sync.Mutex
	logger *slog.Logger
	Sent   []string
	Limit  int
	Fail   error // When set, Send returns this error
}

// NewMock creates a mock sink.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// MaxLength returns the configured limit.
func (m *Mock) MaxLength() int { return m.Limit }

// Send records the message.
func (m *Mock) Send(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return &DeliveryError{Sink: "mock", Err: m.Fail}
	}
	m.Sent = append(m.Sent, text)
	if m.logger != nil {
		m.logger.Info("MOCK NOTIFICATION", "text_length", len(text))
	}
	return nil
}

// Count returns how many messages were delivered.
func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
