package chat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

var _ Sink = (*Writer)(nil)

// Writer prints messages to an io.Writer, one per line.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer printing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// AppendMessage implements [Sink].
func (w *Writer) AppendMessage(_ context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	line := fmt.Sprintf("%s [%s] %s", m.CreatedAt.Local().Format("15:04:05"), m.Role, strings.TrimSpace(m.Content))
	if interrupted, _ := m.Metadata["interrupted"].(bool); interrupted {
		line += " (interrupted)"
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintln(w.w, line); err != nil {
		return fmt.Errorf("chat: write: %w", err)
	}
	return nil
}
