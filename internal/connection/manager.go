// Package connection owns the single persistent streaming connection to the
// remote AI endpoint.
//
// A [Manager] moves through [Disconnected] → [Connecting] → [Open] and back.
// Unexpected loss of the transport schedules a reconnect after an
// exponentially growing delay bounded by a [ReconnectPolicy]; the attempt
// counter is reset only when a connection actually reaches [Open]. An
// explicit [Manager.Close] never reconnects.
//
// Every transport gets a generation number. Timers, dial goroutines, and
// receive loops carry the generation they were started for and become inert
// once it is superseded, so a stale event can never act on a newer
// connection.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/token"
)

// Option configures a [Manager].
type Option func(*Manager)

// WithReconnectPolicy overrides the default policy. Zero fields keep their
// defaults.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(m *Manager) { m.policy = p.withDefaults() }
}

// WithKeepalive sets the ping interval and per-ping timeout. A zero interval
// disables keepalive pings.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(m *Manager) {
		m.keepalive = interval
		if timeout > 0 {
			m.pingTimeout = timeout
		}
	}
}

// WithDialTimeout bounds token issuance plus dial. Default 15s.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithMetrics records connection metrics on met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager owns at most one transport connection. All methods are safe for
// concurrent use and none of them block on the network except Send.
type Manager struct {
	dialer      Dialer
	issuer      token.Issuer
	handler     Handler
	policy      ReconnectPolicy
	keepalive   time.Duration
	pingTimeout time.Duration
	dialTimeout time.Duration
	metrics     *observe.Metrics
	logger      *slog.Logger
	events      serialQueue

	mu      sync.Mutex
	state   State
	attempt int
	gen     uint64
	conn    Conn
	cancel  context.CancelFunc
	retry   *time.Timer
	lastErr error
}

// New returns a disconnected manager. handler may be nil.
func New(dialer Dialer, issuer token.Issuer, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		dialer:      dialer,
		issuer:      issuer,
		handler:     handler,
		policy:      DefaultReconnectPolicy(),
		keepalive:   30 * time.Second,
		pingTimeout: 5 * time.Second,
		dialTimeout: 15 * time.Second,
		logger:      slog.Default().With("component", "connection"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of retries scheduled in the current failure
// episode.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Policy returns the effective reconnect policy.
func (m *Manager) Policy() ReconnectPolicy { return m.policy }

// Connect starts connecting in the background. It is a no-op while
// [Connecting] or [Open]. A pending retry is replaced by an immediate attempt
// without resetting the attempt counter. Values from ctx (such as the trace
// span) are carried into the dial but its cancellation is not.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Connecting || m.state == Open {
		return
	}
	m.stopRetryLocked()
	m.dialLocked(context.WithoutCancel(ctx))
}

// dialLocked moves to Connecting and starts a dial for a new generation.
func (m *Manager) dialLocked(parent context.Context) {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.setStateLocked(Connecting)
	go m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	ctx, span := observe.StartSpan(ctx, "connection.dial")
	conn, err := m.open(ctx)
	observe.EndSpan(span, err)
	if err != nil {
		m.recordAttempt(ctx, "error")
		m.lost(gen, err)
		return
	}
	m.recordAttempt(ctx, "ok")

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.attempt = 0
	m.lastErr = nil
	m.setStateLocked(Open)
	m.mu.Unlock()

	observe.Logger(ctx).Info("connection open")
	go m.receive(ctx, gen, conn)
	if m.keepalive > 0 {
		go m.ping(ctx, gen, conn)
	}
}

func (m *Manager) open(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	tok, err := m.issuer.IssueEphemeralToken(ctx)
	if err != nil {
		return nil, &TransportError{Op: "token", Err: err}
	}
	conn, err := m.dialer.Dial(ctx, tok.Value)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

func (m *Manager) receive(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.lost(gen, &TransportError{Op: "read", Err: err})
			return
		}
		m.mu.Lock()
		current := gen == m.gen
		if current && m.handler != nil {
			h := m.handler
			m.events.push(func() { h.OnMessage(data) })
		}
		m.mu.Unlock()
		if !current {
			return
		}
	}
}

func (m *Manager) ping(ctx context.Context, gen uint64, conn Conn) {
	t := time.NewTicker(m.keepalive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.lost(gen, &TransportError{Op: "ping", Err: err})
				return
			}
		}
	}
}

// lost handles an unexpected end of generation gen: the transport is torn
// down and a retry is scheduled, or the failure is reported as terminal.
func (m *Manager) lost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.lastErr = cause
	m.setStateLocked(Disconnected)

	if m.attempt < m.policy.MaxAttempts {
		delay := m.policy.Delay(m.attempt)
		m.attempt++
		retryGen := m.gen
		m.retry = time.AfterFunc(delay, func() { m.retryFire(retryGen) })
		m.logger.Warn("connection lost; reconnect scheduled",
			"err", cause, "attempt", m.attempt, "max_attempts", m.policy.MaxAttempts, "delay", delay)
		if m.metrics != nil {
			m.metrics.ReconnectsScheduled.Add(context.Background(), 1)
		}
	} else {
		m.logger.Error("connection failed; reconnect attempts exhausted",
			"err", cause, "max_attempts", m.policy.MaxAttempts)
		m.attempt = 0
		if m.handler != nil {
			h := m.handler
			terminal := &TransportError{Op: "reconnect", Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, cause)}
			m.events.push(func() { h.OnFailure(terminal) })
		}
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) retryFire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Disconnected {
		return
	}
	m.retry = nil
	m.dialLocked(context.Background())
}

// Send writes data on the open transport. Without an open transport it
// returns [ErrNotConnected]; nothing is queued. A write failure is treated as
// an unexpected loss of the transport.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if m.state != Open || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	if err := conn.Write(ctx, data); err != nil {
		te := &TransportError{Op: "send", Err: err}
		if ctx.Err() == nil {
			m.lost(gen, te)
		}
		return te
	}
	return nil
}

// Close shuts the connection down intentionally: pending retries and
// in-flight dials are cancelled and no reconnect follows. Close is
// idempotent; Connect may be called again afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempt = 0
	if m.state == Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(Closing)
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	m.mu.Lock()
	if m.state == Closing {
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()
	m.logger.Info("connection closed")
	return err
}

// LastError returns the cause of the most recent unexpected loss, cleared
// when a connection opens.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	prev := m.state
	if prev == s {
		return
	}
	m.state = s
	if m.metrics != nil {
		switch {
		case s == Open:
			m.metrics.ActiveConnections.Add(context.Background(), 1)
		case prev == Open:
			m.metrics.ActiveConnections.Add(context.Background(), -1)
		}
	}
	m.logger.Debug("connection state changed", "from", prev.String(), "to", s.String())
	if m.handler != nil {
		h := m.handler
		m.events.push(func() { h.OnStateChange(s) })
	}
}

func (m *Manager) recordAttempt(ctx context.Context, status string) {
	if m.metrics != nil {
		m.metrics.RecordConnectionAttempt(ctx, status)
	}
}
