package connection

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of the streaming connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Default reconnection parameters.
const (
	defaultMaxAttempts = 10
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 30 * time.Second
)

// ReconnectPolicy bounds automatic reconnection. The attempt counter itself
// lives in the [Manager].
type ReconnectPolicy struct {
	// MaxAttempts is the number of retries scheduled in one failure episode
	// before the failure is reported as terminal.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. It doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay.
	MaxDelay time.Duration
}

// DefaultReconnectPolicy returns 10 attempts, 1s base, 30s cap.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

// withDefaults fills zero fields from [DefaultReconnectPolicy].
func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay). It never overflows and
// is non-decreasing in attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay || d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// ErrNotConnected is returned by [Manager.Send] unless the state is [Open].
var ErrNotConnected = errors.New("connection: not connected")

// ErrRetriesExhausted is wrapped by the terminal [TransportError] reported
// after the last scheduled retry failed.
var ErrRetriesExhausted = errors.New("connection: reconnect attempts exhausted")

// TransportError is a connect, read, ping, or send failure.
type TransportError struct {
	// Op is one of "token", "dial", "read", "ping", "send", "reconnect".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
