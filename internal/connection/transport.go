package connection

import (
	"context"
	"sync"
)

// Conn is one open transport to the remote endpoint. Read is only called from
// a single goroutine; Write and Ping may be called concurrently with Read.
type Conn interface {
	// Read blocks until the next inbound message arrives.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message.
	Write(ctx context.Context, data []byte) error

	// Ping checks that the peer is still responsive.
	Ping(ctx context.Context) error

	// Close closes the transport normally.
	Close() error
}

// Dialer opens transports. Dial returns only once the transport is ready for
// application messages.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, token string) (Conn, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) { return f(ctx, token) }

// Handler receives connection events. Calls are serialized, in the order
// the events happened, and never made while the manager holds its lock, so
// handlers may call back into the [Manager].
type Handler interface {
	OnStateChange(State)
	OnMessage(data []byte)

	// OnFailure reports a terminal failure after reconnection gave up.
	OnFailure(err error)
}

// serialQueue runs functions one at a time in submission order on a
// goroutine that exists only while work is queued.
type serialQueue struct {
	mu      sync.Mutex
	fns     []func()
	running bool
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	start := !q.running
	q.running = true
	q.mu.Unlock()
	if start {
		go q.drain()
	}
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.fns) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.fns[0]
		q.fns[0] = nil
		q.fns = q.fns[1:]
		q.mu.Unlock()
		fn()
	}
}
