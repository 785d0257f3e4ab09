package chat

import (
	"context"
	"maps"
	"sync"
)

var _ Sink = (*Memory)(nil)

// Memory keeps messages in memory. The zero value is ready to use.
type Memory struct {
	mu   sync.Mutex
	msgs []Message
}

// AppendMessage implements [Sink].
func (s *Memory) AppendMessage(_ context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	m.Metadata = maps.Clone(m.Metadata)
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

// Messages returns a copy of the stored messages in append order.
func (s *Memory) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len returns the number of stored messages.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}
