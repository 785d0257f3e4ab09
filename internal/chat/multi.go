package chat

import (
	"context"
	"errors"
)

// Multi fans a message out to every sink in order. All sinks are attempted;
// their errors are joined.
type Multi []Sink

var _ Sink = Multi(nil)

// AppendMessage implements [Sink].
func (ms Multi) AppendMessage(ctx context.Context, m Message) error {
	var errs []error
	for _, s := range ms {
		if err := s.AppendMessage(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
